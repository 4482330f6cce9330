// Package client contains Cobra CLI commands for flostore.
package client

import (
	"encoding/json"
	"fmt"
	"os"

	transports "github.com/rzbill/flostore/internal/cmd/client/transports"
	"github.com/spf13/cobra"
)

// NewStreamCommand constructs the `stream` command group and subcommands.
func NewStreamCommand(baseURL BaseURLFunc) *cobra.Command {
	streamCmd := &cobra.Command{Use: "stream", Short: "Stream operations"}
	streamCmd.AddCommand(
		newStreamAppendCommand(baseURL),
		newStreamReadCommand(baseURL),
		newStreamDeleteCommand(baseURL),
		newStreamMetaCommand(baseURL),
	)
	return streamCmd
}

// newStreamAppendCommand constructs the `stream append` subcommand.
func newStreamAppendCommand(baseURL BaseURLFunc) *cobra.Command {
	appendCmd := &cobra.Command{
		Use:   "append",
		Short: "Append an event to a stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stream, _ := cmd.Flags().GetString("stream")
			eventType, _ := cmd.Flags().GetString("type")
			data, _ := cmd.Flags().GetString("data")
			dataFile, _ := cmd.Flags().GetString("data-file")
			metadata, _ := cmd.Flags().GetString("metadata")
			id, _ := cmd.Flags().GetString("id")
			raw, _ := cmd.Flags().GetBool("raw")
			expected, _ := cmd.Flags().GetString("expected-version")

			ev, err := expectedAndEvent(expected, data, dataFile, raw)
			if err != nil {
				return err
			}
			ev.event.Type = eventType
			ev.event.ID = id
			if metadata != "" {
				if !json.Valid([]byte(metadata)) {
					return fmt.Errorf("--metadata must be JSON")
				}
				ev.event.Metadata = json.RawMessage(metadata)
			}
			res, err := newTransport(baseURL).Append(cmd.Context(), stream, ev.expected, []transports.Event{ev.event})
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	appendCmd.Flags().String("stream", "", "Stream id")
	appendCmd.Flags().String("type", "", "Event type")
	appendCmd.Flags().String("data", "", "Event data (JSON unless --raw)")
	appendCmd.Flags().String("data-file", "", "Read event data from a file")
	appendCmd.Flags().String("metadata", "", "Event metadata (JSON)")
	appendCmd.Flags().String("id", "", "Event id (uuid); generated when empty")
	appendCmd.Flags().Bool("raw", false, "Send data as opaque bytes")
	appendCmd.Flags().String("expected-version", "any", "any|no-stream|exists|<event number>")
	_ = appendCmd.MarkFlagRequired("stream")
	_ = appendCmd.MarkFlagRequired("type")
	return appendCmd
}

type appendInput struct {
	expected *int64
	event    transports.Event
}

func expectedAndEvent(expected, data, dataFile string, raw bool) (appendInput, error) {
	var in appendInput
	exp, err := parseExpectedVersion(expected)
	if err != nil {
		return in, err
	}
	in.expected = exp
	payload := []byte(data)
	if dataFile != "" {
		b, err := os.ReadFile(dataFile)
		if err != nil {
			return in, err
		}
		payload = b
	}
	in.event.Raw = raw
	switch {
	case raw:
		b, _ := json.Marshal(payload)
		in.event.Data = b
	case len(payload) == 0:
	case !json.Valid(payload):
		return in, fmt.Errorf("--data is not valid JSON; pass --raw for opaque bytes")
	default:
		in.event.Data = json.RawMessage(payload)
	}
	return in, nil
}

// newStreamReadCommand constructs the `stream read` subcommand.
func newStreamReadCommand(baseURL BaseURLFunc) *cobra.Command {
	readCmd := &cobra.Command{
		Use:   "read",
		Short: "Read events from a stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stream, _ := cmd.Flags().GetString("stream")
			from, _ := cmd.Flags().GetInt64("from")
			limit, _ := cmd.Flags().GetInt("limit")
			backward, _ := cmd.Flags().GetBool("backward")
			if !cmd.Flags().Changed("from") && backward {
				from = -1
			}
			page, err := newTransport(baseURL).ReadStream(cmd.Context(), transports.ReadStreamRequest{
				Stream: stream, From: from, Limit: limit, Backward: backward,
			})
			if err != nil {
				return err
			}
			if page.Result != "Success" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", stream, page.Result)
				return nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range page.Events {
				if err := enc.Encode(decodedEvent(e)); err != nil {
					return err
				}
			}
			if !page.IsEndOfStream {
				fmt.Fprintf(cmd.ErrOrStderr(), "next: --from %d\n", page.NextEventNumber)
			}
			return nil
		},
	}
	readCmd.Flags().String("stream", "", "Stream id")
	readCmd.Flags().Int64("from", 0, "First event number (backward reads default to the last event)")
	readCmd.Flags().Int("limit", 20, "Max events")
	readCmd.Flags().Bool("backward", false, "Read newest first")
	_ = readCmd.MarkFlagRequired("stream")
	return readCmd
}

// newStreamDeleteCommand constructs the `stream delete` subcommand.
func newStreamDeleteCommand(baseURL BaseURLFunc) *cobra.Command {
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a stream (soft by default; --hard is permanent)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stream, _ := cmd.Flags().GetString("stream")
			hard, _ := cmd.Flags().GetBool("hard")
			confirm, _ := cmd.Flags().GetBool("confirm")
			expected, _ := cmd.Flags().GetString("expected-version")
			if hard && !confirm {
				return fmt.Errorf("hard delete is permanent; pass --confirm")
			}
			exp, err := parseExpectedVersion(expected)
			if err != nil {
				return err
			}
			res, err := newTransport(baseURL).Delete(cmd.Context(), stream, exp, hard)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	deleteCmd.Flags().String("stream", "", "Stream id")
	deleteCmd.Flags().Bool("hard", false, "Write a tombstone; the stream can never be recreated")
	deleteCmd.Flags().Bool("confirm", false, "Confirm a hard delete")
	deleteCmd.Flags().String("expected-version", "any", "any|exists|<event number>")
	_ = deleteCmd.MarkFlagRequired("stream")
	return deleteCmd
}

// newStreamMetaCommand constructs the `stream meta` subcommand. Without
// --set it prints the current metadata.
func newStreamMetaCommand(baseURL BaseURLFunc) *cobra.Command {
	metaCmd := &cobra.Command{
		Use:   "meta",
		Short: "Get or set stream metadata",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stream, _ := cmd.Flags().GetString("stream")
			set, _ := cmd.Flags().GetString("set")
			expected, _ := cmd.Flags().GetString("expected-version")
			t := newTransport(baseURL)
			if set == "" {
				meta, err := t.GetMetadata(cmd.Context(), stream)
				if err != nil {
					return err
				}
				return printJSON(cmd, meta)
			}
			if !json.Valid([]byte(set)) {
				return fmt.Errorf("--set must be a JSON object, e.g. '{\"$maxCount\":100}'")
			}
			exp, err := parseExpectedVersion(expected)
			if err != nil {
				return err
			}
			res, err := t.SetMetadata(cmd.Context(), stream, exp, json.RawMessage(set))
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	metaCmd.Flags().String("stream", "", "Stream id")
	metaCmd.Flags().String("set", "", "Replace metadata with this JSON document ($maxCount, $maxAge, $tb, $cacheControl, $acl)")
	metaCmd.Flags().String("expected-version", "any", "Expected metastream version: any|no-stream|<event number>")
	_ = metaCmd.MarkFlagRequired("stream")
	return metaCmd
}
