package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"GeoAttest-Chain/internal/api"
	"GeoAttest-Chain/internal/attestation"
	"GeoAttest-Chain/internal/config"
	"GeoAttest-Chain/internal/engine"
	xerrors "GeoAttest-Chain/internal/errors"
	"GeoAttest-Chain/internal/ledger"
	"GeoAttest-Chain/internal/plugins"
)

func newAssessCommand(v *viper.Viper) *cobra.Command {
	var (
		input   string
		attest  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Assess a location claim against a set of stamps",
		Long: `assess reads a request of the form {"claim": ..., "stamps": [...]}
and prints the credibility assessment as JSON.

Example:
  geoattest assess -i request.json --attest auto
  cat request.json | geoattest assess --attest verify`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := readInput(cmd, input)
			if err != nil {
				return err
			}
			var req api.AssessRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode request")
			}
			if attest != "" {
				req.Attest = attest
			}

			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := Bootstrap(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			resp, err := api.Process(ctx, rt.Engine, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "-", `request file, "-" for stdin`)
	cmd.Flags().StringVar(&attest, "attest", "", `attestation layout: "auto", boolean, numeric or verify`)
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall assessment timeout")
	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "read "+path)
	}
	return raw, nil
}

func newDecodeCommand(v *viper.Viper) *cobra.Command {
	var (
		schema string
		uid    string
	)
	cmd := &cobra.Command{
		Use:   "decode <hex-data>",
		Short: "Decode an attestation record",
		Long: `decode unpacks ABI encoded record data under the layout named by
--schema, or the layout registered under --uid for the configured resolver.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := hexutil.Decode(args[0])
			if err != nil {
				return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "record data")
			}
			var kind attestation.Kind
			switch {
			case uid != "":
				cfg, err := loadConfig(v)
				if err != nil {
					return err
				}
				found, ok := engine.Schemas(cfg).ByUID(common.HexToHash(uid))
				if !ok {
					return xerrors.New(xerrors.CodeNotFound, "no schema registered under "+uid)
				}
				kind = found.Kind
			case schema != "":
				if kind, err = attestation.ParseKind(schema); err != nil {
					return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "schema")
				}
			default:
				return xerrors.New(xerrors.CodeInvalidArgument, "one of --schema or --uid is required")
			}

			record, err := attestation.Decode(kind, data)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"schema": kind, "record": record})
		},
	}
	cmd.Flags().StringVar(&schema, "schema", "", "record layout: boolean, numeric or verify")
	cmd.Flags().StringVar(&uid, "uid", "", "schema UID")
	return cmd
}

func newSchemasCommand(v *viper.Viper) *cobra.Command {
	var (
		check    bool
		rpcURL   string
		registry string
	)
	cmd := &cobra.Command{
		Use:   "schemas",
		Short: "List the attestation schemas and their UIDs",
		Long: `schemas prints the record layouts with the UIDs they have under the
configured resolver. With --check it also reads the ledger schema registry
and reports whether each layout is registered.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			schemas := engine.Schemas(cfg)
			if !check {
				return printJSON(cmd.OutOrStdout(), api.SchemaViews(schemas))
			}
			if rpcURL != "" {
				cfg.Ledger.RPCURL = rpcURL
			}
			if registry != "" {
				cfg.Ledger.SchemaRegistry = registry
			}
			statuses, err := checkLedger(cmd.Context(), cfg.Ledger, schemas)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), statuses)
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "look the schemas up in the ledger registry")
	cmd.Flags().StringVar(&rpcURL, "rpc", "", "EVM JSON-RPC endpoint, overrides ledger.rpc_url")
	cmd.Flags().StringVar(&registry, "registry", "", "schema registry address, overrides ledger.schema_registry")
	return cmd
}

func checkLedger(ctx context.Context, cfg config.LedgerConfig, schemas attestation.Schemas) ([]ledger.Status, error) {
	if cfg.SchemaRegistry != "" && !common.IsHexAddress(cfg.SchemaRegistry) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "schema registry "+cfg.SchemaRegistry+" is not an address")
	}
	reg, err := ledger.Dial(ctx, cfg.RPCURL, common.HexToAddress(cfg.SchemaRegistry))
	if err != nil {
		return nil, err
	}
	defer reg.Close()
	return reg.Check(ctx, schemas)
}

func newPluginsCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the plugins the configuration loads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			reg, err := plugins.NewRegistry(cfg.Plugins.ManagerPath, cfg.Engine.Environment)
			if err != nil {
				return fmt.Errorf("load plugins: %w", err)
			}
			defer reg.Close()
			return printJSON(cmd.OutOrStdout(), reg.List())
		},
	}
}

func newServeCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Serve(ctx, cfg)
		},
	}
}
