package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/user/fission/pkg/envelope"
	"github.com/user/fission/pkg/tenant"
	"github.com/user/fission/pkg/transport"
	"gopkg.in/yaml.v3"
)

type payloadOptions struct {
	Job          string
	DataFile     string
	Raw          string
	JSONRequired bool
	OverrideFile string
	Send         bool
}

var payloadOpts payloadOptions

func init() {
	rootCmd.AddCommand(payloadCmd)
	payloadCmd.AddCommand(payloadNewCmd)

	f := payloadNewCmd.Flags()
	f.StringVar(&payloadOpts.Job, "job", "", "final stage of the job")
	f.StringVar(&payloadOpts.DataFile, "data", "", "YAML or JSON file holding the envelope data")
	f.StringVar(&payloadOpts.Raw, "raw", "", "raw data; stored under data.value when it is not JSON")
	f.BoolVar(&payloadOpts.JSONRequired, "json-required", false, "reject --raw values that are not JSON")
	f.StringVar(&payloadOpts.OverrideFile, "overrides", "", "YAML or JSON file of per-service configuration overrides to seal into the envelope")
	f.BoolVar(&payloadOpts.Send, "send", false, "transmit the envelope to its job over the configured transport")
	_ = payloadNewCmd.MarkFlagRequired("job")
}

var payloadCmd = &cobra.Command{
	Use:   "payload",
	Short: "Build envelopes for a pipeline",
}

var payloadNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create an envelope and print or send it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		secret, err := groupingSecret(ctx, cfg)
		if err != nil {
			return err
		}
		env, err := newPayload(payloadOpts, secret)
		if err != nil {
			return err
		}
		body, err := envelope.Marshal(env)
		if err != nil {
			return err
		}
		if !payloadOpts.Send {
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return nil
		}

		t, err := transport.New(cfg.Transport, nil)
		if err != nil {
			return err
		}
		defer t.Close()
		if err := t.Transmit(ctx, env.Job, body); err != nil {
			return fmt.Errorf("failed to send envelope to %s: %w", env.Job, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", env.MessageID, env.Job)
		return nil
	},
}

func newPayload(opts payloadOptions, secret string) (*envelope.Envelope, error) {
	var (
		env *envelope.Envelope
		err error
	)
	switch {
	case opts.DataFile != "" && opts.Raw != "":
		return nil, fmt.Errorf("--data and --raw are mutually exclusive")
	case opts.Raw != "":
		env, err = envelope.NewFromString(opts.Job, opts.Raw, opts.JSONRequired)
		if err != nil {
			return nil, err
		}
	default:
		data, err := readDocument(opts.DataFile)
		if err != nil {
			return nil, err
		}
		env = envelope.New(opts.Job, data)
	}

	if opts.OverrideFile != "" {
		overrides, err := readDocument(opts.OverrideFile)
		if err != nil {
			return nil, err
		}
		if err := tenant.Seal(env, secret, overrides); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// readDocument decodes a YAML (or JSON) mapping. An empty path yields nil.
func readDocument(path string) (map[string]interface{}, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return doc, nil
}
