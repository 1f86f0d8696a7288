package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/crmsync/internal/record"
)

// RecordInfo describes the envelope stored under a key.
type RecordInfo struct {
	Key              string          `json:"key"`
	Version          int64           `json:"version"`
	LogicalTimestamp int64           `json:"logicalTimestamp"`
	WriterID         string          `json:"writerId"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

func newRecordInfo(key string, env record.Envelope) RecordInfo {
	return RecordInfo{
		Key:              key,
		Version:          env.Version,
		LogicalTimestamp: env.LogicalTimestamp,
		WriterID:         env.WriterID,
		Payload:          env.Payload,
	}
}

func (r RecordInfo) String() string {
	return fmt.Sprintf("%s v%d ts=%d by %s", r.Key, r.Version, r.LogicalTimestamp, r.WriterID)
}

// BackupList is the backup ring of one key, oldest first.
type BackupList struct {
	Key     string       `json:"key"`
	Entries []RecordInfo `json:"entries"`
}

func (b BackupList) String() string {
	if len(b.Entries) == 0 {
		return "no backups for " + b.Key
	}
	lines := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		lines[i] = fmt.Sprintf("%d. %s", i+1, e)
	}
	return strings.Join(lines, "\n")
}

// NewSaveCommand creates the save command.
func NewSaveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "save <key> <json>",
		Short: "Write a record",
		Long: `Write a JSON payload under key and announce it to other contexts.

Exit codes:
  0 - Record written
  1 - Write refused (shape mismatch, store full, store unavailable)
  2 - Command error (invalid JSON, bad config)

Examples:
  crmsync save clients '[{"id":"c1","nombre":"Acme"}]'
  crmsync save teams '[]' --store dir --path ./data`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSave(rootOpts, cmd, args[0], args[1])
		},
	}
}

func runSave(opts *RootOptions, cmd *cobra.Command, key, payload string) error {
	if !json.Valid([]byte(payload)) {
		return opts.formatter(cmd).Fail(ExitCommandError, CodeBadPayload, "payload is not valid JSON", payload)
	}

	e, err := openEnv(opts, cmd)
	if err != nil {
		return err
	}
	defer e.close()

	if !e.engine.SaveRecord(key, json.RawMessage(payload)) {
		return e.out.Fail(ExitFailure, CodeWriteFail, "write refused", key)
	}
	env, _ := e.adapter.Peek(key)
	info := newRecordInfo(key, env)
	info.Payload = nil
	return e.out.Success(info)
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load <key>",
		Short: "Read a record",
		Long: `Print the payload stored under key, falling back to the newest
valid backup when the primary copy is missing or corrupt.

Exit codes:
  0 - Record found
  1 - Record absent everywhere
  2 - Command error`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.close()

			payload, ok := e.engine.LoadRecord(args[0])
			if !ok {
				return e.out.Fail(ExitFailure, CodeNotFound, "record not found", args[0])
			}
			return e.out.Success(payload)
		},
	}
}

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "remove <key>",
		Short:         "Delete a record and its backups",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.close()

			if !e.engine.Remove(args[0]) {
				return e.out.Fail(ExitFailure, CodeWriteFail, "remove failed", args[0])
			}
			return e.out.Success("removed " + record.NormalizeKey(args[0]))
		},
	}
}

// NewRestoreCommand creates the restore command.
func NewRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "restore <key>",
		Short:         "Copy the newest backup back over the primary record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.close()

			if !e.engine.Restore(args[0]) {
				return e.out.Fail(ExitFailure, CodeNotFound, "no backup to restore", args[0])
			}
			env, _ := e.adapter.Peek(args[0])
			return e.out.Success(newRecordInfo(record.NormalizeKey(args[0]), env))
		},
	}
}

// NewBackupsCommand creates the backups command.
func NewBackupsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "backups <key>",
		Short:         "List the backup snapshots of a record, oldest first",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.close()

			key := record.NormalizeKey(args[0])
			ring, err := e.adapter.Backups().List(key)
			if err != nil {
				return e.out.Fail(ExitCommandError, CodeStore, "failed to read backups", err.Error())
			}
			list := BackupList{Key: key, Entries: make([]RecordInfo, len(ring))}
			for i, env := range ring {
				list.Entries[i] = newRecordInfo(key, env)
				list.Entries[i].Payload = nil
			}
			return e.out.Success(list)
		},
	}
}
