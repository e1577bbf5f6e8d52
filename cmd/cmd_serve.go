package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"moul.io/basesync/internal/server"
	"moul.io/basesync/pkg/airtableclient"
	"moul.io/basesync/pkg/configstore"
	"moul.io/basesync/pkg/engine"
	"moul.io/basesync/pkg/model"
	"moul.io/basesync/pkg/sheetsclient"
	"moul.io/basesync/pkg/state"
	"moul.io/basesync/pkg/synlog"
)

type serveOptions struct {
	Addr          string `mapstructure:"serve-addr"`
	ConfigsDir    string `mapstructure:"sync-configs-dir"`
	AirtableToken string `mapstructure:"airtable-token"`
	SheetsToken   string `mapstructure:"sheets-token"`
	DBDialect     string `mapstructure:"db-dialect"`
	DBDSN         string `mapstructure:"db-dsn"`
}

func (opts serveOptions) String() string {
	out, _ := json.Marshal(opts)
	return string(out)
}

type serveCommand struct {
	opts serveOptions
}

func (cmd *serveCommand) LoadDefaultOptions() error {
	return viper.Unmarshal(&cmd.opts)
}

func (cmd *serveCommand) ParseFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&cmd.opts.Addr, "serve-addr", "", ":8080", "admin HTTP server listen address")
	flags.StringVarP(&cmd.opts.ConfigsDir, "sync-configs-dir", "", "", "directory of JSON-encoded SyncConfig files, one per base/sheet pair")
	flags.StringVarP(&cmd.opts.AirtableToken, "airtable-token", "", "", "Airtable personal access token")
	flags.StringVarP(&cmd.opts.SheetsToken, "sheets-token", "", "", "Google Sheets OAuth access token")
	flags.StringVarP(&cmd.opts.DBDialect, "db-dialect", "", "sqlite3", "gorm dialect for sync state (sqlite3, postgres)")
	flags.StringVarP(&cmd.opts.DBDSN, "db-dsn", "", "basesync.db", "gorm data source name")
	viper.BindPFlags(flags)
}

func (cmd *serveCommand) NewCobraCommand(commands map[string]SyncCommand) *cobra.Command {
	cc := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin HTTP server (healthz, routes, on-demand sync trigger)",
		RunE: func(_ *cobra.Command, args []string) error {
			opts := cmd.opts
			return runServe(&opts)
		},
	}
	cmd.ParseFlags(cc.Flags())
	return cc
}

func runServe(opts *serveOptions) error {
	if opts.AirtableToken == "" || opts.SheetsToken == "" {
		return fmt.Errorf("missing --airtable-token or --sheets-token, check '-h'")
	}

	configs := configstore.New()
	if opts.ConfigsDir != "" {
		if err := loadConfigsDir(configs, opts.ConfigsDir); err != nil {
			return errors.Wrap(err, "load sync configs")
		}
	}
	tokens := configstore.NewStaticTokens(opts.AirtableToken, opts.SheetsToken)

	at := airtableclient.New(func(ctx context.Context) (string, error) {
		token, err := tokens.ForUser(ctx, "", engine.ProviderAirtable)
		return token.Value, err
	})
	sh := sheetsclient.New(func(ctx context.Context) (string, error) {
		token, err := tokens.ForUser(ctx, "", engine.ProviderSheets)
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
	srv := server.New(e, zap.L())

	zap.L().Info("admin server listening", zap.String("addr", opts.Addr))
	return http.ListenAndServe(opts.Addr, srv)
}

func loadConfigsDir(store *configstore.Store, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(dir + "/" + entry.Name())
		if err != nil {
			return errors.Wrapf(err, "read %s", entry.Name())
		}
		var cfg model.SyncConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return errors.Wrapf(err, "decode %s", entry.Name())
		}
		store.Put(cfg.Normalized())
	}
	return nil
}
