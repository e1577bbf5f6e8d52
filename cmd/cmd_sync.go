package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"moul.io/basesync/pkg/airtableclient"
	"moul.io/basesync/pkg/configstore"
	"moul.io/basesync/pkg/engine"
	"moul.io/basesync/pkg/model"
	"moul.io/basesync/pkg/sheetsclient"
	"moul.io/basesync/pkg/state"
	"moul.io/basesync/pkg/synlog"
)

type syncOptions struct {
	ConfigFile    string `mapstructure:"sync-config-file"`
	AirtableToken string `mapstructure:"airtable-token"`
	SheetsToken   string `mapstructure:"sheets-token"`
	DBDialect     string `mapstructure:"db-dialect"`
	DBDSN         string `mapstructure:"db-dsn"`
}

func (opts syncOptions) String() string {
	out, _ := json.Marshal(opts)
	return string(out)
}

type syncCommand struct {
	opts syncOptions
}

func (cmd *syncCommand) LoadDefaultOptions() error {
	return viper.Unmarshal(&cmd.opts)
}

func (cmd *syncCommand) ParseFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&cmd.opts.ConfigFile, "sync-config-file", "", "", "path to a JSON-encoded SyncConfig")
	flags.StringVarP(&cmd.opts.AirtableToken, "airtable-token", "", "", "Airtable personal access token")
	flags.StringVarP(&cmd.opts.SheetsToken, "sheets-token", "", "", "Google Sheets OAuth access token")
	flags.StringVarP(&cmd.opts.DBDialect, "db-dialect", "", "sqlite3", "gorm dialect for sync state (sqlite3, postgres)")
	flags.StringVarP(&cmd.opts.DBDSN, "db-dsn", "", "basesync.db", "gorm data source name")
	viper.BindPFlags(flags)
}

func (cmd *syncCommand) NewCobraCommand(commands map[string]SyncCommand) *cobra.Command {
	cc := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass for the SyncConfig in --sync-config-file",
		RunE: func(_ *cobra.Command, args []string) error {
			opts := cmd.opts
			return runSyncOnce(&opts)
		},
	}
	cmd.ParseFlags(cc.Flags())
	return cc
}

func runSyncOnce(opts *syncOptions) error {
	if opts.ConfigFile == "" || opts.AirtableToken == "" || opts.SheetsToken == "" {
		return fmt.Errorf("missing --sync-config-file, --airtable-token or --sheets-token, check '-h'")
	}

	raw, err := os.ReadFile(opts.ConfigFile)
	if err != nil {
		return errors.Wrap(err, "read sync config file")
	}
	var cfg model.SyncConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return errors.Wrap(err, "decode sync config file")
	}
	cfg = cfg.Normalized()

	configs := configstore.New()
	configs.Put(cfg)
	tokens := configstore.NewStaticTokens(opts.AirtableToken, opts.SheetsToken)

	at := airtableclient.New(func(ctx context.Context) (string, error) {
		token, err := tokens.ForUser(ctx, cfg.OwnerUserID, engine.ProviderAirtable)
		return token.Value, err
	})
	sh := sheetsclient.New(func(ctx context.Context) (string, error) {
		token, err := tokens.ForUser(ctx, cfg.OwnerUserID, engine.ProviderSheets)
		return token.Value, err
	})

	store, err := state.Open(opts.DBDialect, opts.DBDSN, zap.L())
	if err != nil {
		return errors.Wrap(err, "open sync state store")
	}
	defer store.Close()

	logSink, err := synlog.New(zap.L(), store.DB())
	if err != nil {
		return errors.Wrap(err, "build log sink")
	}

	e := engine.New(configs, tokens, at, sh, store, logSink, zap.L())

	result, err := e.RunSync(context.Background(), cfg.ID)
	if err != nil {
		return errors.Wrap(err, "run sync")
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode sync result")
	}
	fmt.Println(string(out))

	if len(result.Errors) > 0 {
		return fmt.Errorf("sync run finished with %d error(s)", len(result.Errors))
	}
	return nil
}
