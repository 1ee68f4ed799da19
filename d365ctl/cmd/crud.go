package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/natserract/d365/pkg/dynamics"
	"github.com/spf13/cobra"
)

var errPayloadRequired = errors.New("one of --data or --file is required")

func (a *app) newGetCommand() *cobra.Command {
	var headers []string

	cmd := &cobra.Command{
		Use:   "get RESOURCE [ID]",
		Short: "Read an entity set or a single entity",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			id := ""
			if len(args) == 2 {
				id = args[1]
			}
			opts, err := headerOptions(headers)
			if err != nil {
				return err
			}

			raw, err := client.Get(cmd.Context(), args[0], id, opts...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "extra request header, Key: Value")
	return cmd
}

func (a *app) newListCommand() *cobra.Command {
	var query dynamics.Query

	cmd := &cobra.Command{
		Use:   "list RESOURCE",
		Short: "Read an entity set with OData query options",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}

			items, err := client.List(cmd.Context(), args[0], query)
			if err != nil {
				return err
			}
			raw, err := json.Marshal(items)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().StringSliceVar(&query.Select, "select", nil, "attributes to return")
	cmd.Flags().StringVar(&query.Filter, "filter", "", "OData $filter expression")
	cmd.Flags().StringVar(&query.OrderBy, "orderby", "", "OData $orderby expression")
	cmd.Flags().StringVar(&query.Expand, "expand", "", "OData $expand expression")
	cmd.Flags().IntVar(&query.Top, "top", 0, "maximum number of entities")
	cmd.Flags().IntVar(&query.MaxPages, "max-pages", 0, "stop after this many pages; 0 reads all")
	return cmd
}

func (a *app) newCreateCommand() *cobra.Command {
	var data, file string
	var headers []string

	cmd := &cobra.Command{
		Use:   "create RESOURCE",
		Short: "Create an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(data, file)
			if err != nil {
				return err
			}
			opts, err := headerOptions(headers)
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}

			raw, err := client.Create(cmd.Context(), args[0], payload, opts...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON payload")
	cmd.Flags().StringVarP(&file, "file", "f", "", "file holding the JSON payload")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "extra request header, Key: Value")
	return cmd
}

func (a *app) newUpdateCommand() *cobra.Command {
	var data, file string
	var headers []string

	cmd := &cobra.Command{
		Use:   "update RESOURCE ID",
		Short: "Update an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(data, file)
			if err != nil {
				return err
			}
			opts, err := headerOptions(headers)
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}

			raw, err := client.Update(cmd.Context(), args[0], args[1], payload, opts...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON payload")
	cmd.Flags().StringVarP(&file, "file", "f", "", "file holding the JSON payload")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "extra request header, Key: Value")
	return cmd
}

func (a *app) newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete RESOURCE ID",
		Short: "Delete an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}

			raw, err := client.Delete(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
}

func (a *app) newAuthURLCommand() *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "auth-url",
		Short: "Print the consent URL for the interactive flow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			u, err := client.AuthURL(state)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), u)
			return err
		},
	}
	cmd.Flags().StringVar(&state, "state", "d365ctl", "opaque state echoed back to the redirect URL")
	return cmd
}

// readPayload returns the JSON document from --data or --file.
func readPayload(data, file string) (json.RawMessage, error) {
	var raw []byte
	switch {
	case data != "" && file != "":
		return nil, errors.New("--data and --file are mutually exclusive")
	case data != "":
		raw = []byte(data)
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload file: %w", err)
		}
		raw = b
	default:
		return nil, errPayloadRequired
	}

	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// headerOptions parses "Key: Value" pairs.
func headerOptions(headers []string) ([]dynamics.CallOption, error) {
	opts := make([]dynamics.CallOption, 0, len(headers))
	for _, h := range headers {
		key, value, ok := strings.Cut(h, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q, expected Key: Value", h)
		}
		opts = append(opts, dynamics.WithHeader(key, strings.TrimSpace(value)))
	}
	return opts, nil
}
