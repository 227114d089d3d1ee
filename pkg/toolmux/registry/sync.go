// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stacklok/toolmux/pkg/logger"
	"github.com/stacklok/toolmux/pkg/toolmux"
	"github.com/stacklok/toolmux/pkg/toolmux/metastore"
)

// syncWithStore reconciles one server's advertised tools with its stored
// metadata records. The steps run sequentially against a single snapshot
// of the server's stored state:
//
//  1. Stored records whose tool is no longer advertised are deleted.
//  2. An advertised tool without a record gets one, carrying the live
//     output schema when the server supplied it.
//  3. An advertised tool with a record and a live output schema has the
//     stored schema overwritten and marked original.
//  4. An advertised tool with a record but no live output schema has the
//     stored schema copied onto the live descriptor, leaving the record
//     untouched. This heals transient schema omissions across restarts.
//
// All failures wrap ErrPersistence; the caller keeps serving from memory.
func (r *Registry) syncWithStore(ctx context.Context, serverName string, tools []toolmux.ToolDescriptor) error {
	stored, err := r.store.GetServerTools(ctx, serverName)
	if err != nil {
		return fmt.Errorf("%w: loading stored tools for server %s: %w", toolmux.ErrPersistence, serverName, err)
	}

	advertised := make(map[string]struct{}, len(tools))
	for i := range tools {
		advertised[tools[i].RawName] = struct{}{}
	}

	storedByName := make(map[string]metastore.ToolRecord, len(stored))
	orphans := 0
	for _, record := range stored {
		if _, ok := advertised[record.ToolName]; !ok {
			if err := r.store.DeleteTool(ctx, serverName, record.ToolName); err != nil {
				return fmt.Errorf("%w: deleting orphaned record %s/%s: %w",
					toolmux.ErrPersistence, serverName, record.ToolName, err)
			}
			orphans++
			continue
		}
		storedByName[record.ToolName] = record
	}

	now := time.Now().UTC()
	healed := 0
	for i := range tools {
		tool := &tools[i]
		record, exists := storedByName[tool.RawName]

		switch {
		case !exists:
			serialized := marshalSchema(tool)
			if err := r.store.SaveTool(ctx, metastore.ToolRecord{
				ServerName:       serverName,
				ToolName:         tool.RawName,
				OutputSchema:     serialized,
				IsOriginalSchema: serialized != "",
				LastUpdated:      now,
			}); err != nil {
				return fmt.Errorf("%w: saving record %s/%s: %w",
					toolmux.ErrPersistence, serverName, tool.RawName, err)
			}

		case tool.OutputSchema != nil:
			serialized := marshalSchema(tool)
			if serialized == "" {
				// Serialization failed; keep the stored schema.
				break
			}
			record.OutputSchema = serialized
			record.IsOriginalSchema = true
			record.LastUpdated = now
			if err := r.store.UpdateTool(ctx, record); err != nil {
				return fmt.Errorf("%w: updating record %s/%s: %w",
					toolmux.ErrPersistence, serverName, tool.RawName, err)
			}

		case record.OutputSchema != "":
			var schema map[string]any
			if err := json.Unmarshal([]byte(record.OutputSchema), &schema); err != nil {
				logger.Warnf("Stored schema for %s/%s is unreadable, skipping heal: %v",
					serverName, tool.RawName, err)
				continue
			}
			tool.OutputSchema = schema
			healed++
		}
	}

	logger.Debugf("Synced %d tools for server %s (%d orphaned records removed, %d schemas healed)",
		len(tools), serverName, orphans, healed)
	return nil
}

// marshalSchema serializes a descriptor's output schema for storage,
// returning "" when the tool has none.
func marshalSchema(tool *toolmux.ToolDescriptor) string {
	if tool.OutputSchema == nil {
		return ""
	}
	data, err := json.Marshal(tool.OutputSchema)
	if err != nil {
		logger.Warnf("Failed to serialize output schema for %s/%s: %v",
			tool.ServerName, tool.RawName, err)
		return ""
	}
	return string(data)
}
