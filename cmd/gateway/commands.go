package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qoreforge/dbgateway/internal/command"
	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/interceptor"
)

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(string(data))
}

func newConnectCommand() *cobra.Command {
	var (
		driverName  string
		host        string
		port        int
		database    string
		user        string
		password    string
		environment string
		readOnly    bool
		test        bool
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open a session against a database backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			cfg := driver.ConnectionConfig{
				Driver:      driver.Id(driverName),
				Host:        host,
				Port:        port,
				Database:    database,
				User:        user,
				Password:    password,
				Environment: driver.Environment(environment),
				ReadOnly:    readOnly,
			}
			if test {
				printJSON(a.Surface.TestConnection(cmd.Context(), cfg))
				return nil
			}
			printJSON(a.Surface.Connect(cmd.Context(), command.ConnectRequest{Config: cfg}))
			return nil
		},
	}
	cmd.Flags().StringVar(&driverName, "driver", "", "driver id: postgres, mysql, sqlite, duckdb, mssql, redis, mongo")
	cmd.Flags().StringVar(&host, "host", "localhost", "backend host")
	cmd.Flags().IntVar(&port, "port", 0, "backend port")
	cmd.Flags().StringVar(&database, "database", "", "database name or file path")
	cmd.Flags().StringVar(&user, "user", "", "username")
	cmd.Flags().StringVar(&password, "password", "", "password")
	cmd.Flags().StringVar(&environment, "environment", "development", "environment tag: development, staging, production")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "block every mutation on this session")
	cmd.Flags().BoolVar(&test, "test", false, "probe the connection and exit without keeping a session")
	cmd.MarkFlagRequired("driver")
	return cmd
}

func newQueryCommand() *cobra.Command {
	var (
		sessionID    string
		sql          string
		limit        int
		acknowledged bool
		timeoutMs    int
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run a statement (or multi-statement script) against an open session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			resp := a.Surface.ExecuteQuery(cmd.Context(), command.ExecuteQueryRequest{
				SessionID:    sessionID,
				SQL:          sql,
				Limit:        limit,
				Acknowledged: acknowledged,
				TimeoutMs:    timeoutMs,
			})
			a.saveAudit()
			printJSON(resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id from `gateway connect`")
	cmd.Flags().StringVar(&sql, "sql", "", "statement to run")
	cmd.Flags().IntVar(&limit, "limit", 0, "preview row cap (0 uses the driver default)")
	cmd.Flags().BoolVar(&acknowledged, "yes", false, "confirm a statement the safety rules flagged as dangerous")
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 0, "per-call deadline; on expiry the statement is cancelled best-effort")
	cmd.MarkFlagRequired("session")
	cmd.MarkFlagRequired("sql")
	return cmd
}

func newFederateCommand() *cobra.Command {
	var (
		sql     string
		aliases []string
		debug   bool
		rowCap  int
	)
	cmd := &cobra.Command{
		Use:   "federate",
		Short: "Run a cross-connection SQL statement using dotted connection.schema.table references",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			aliasMap := make(map[string]string, len(aliases))
			for _, pair := range aliases {
				alias, sid, ok := strings.Cut(pair, "=")
				if !ok {
					return fmt.Errorf("--alias wants alias=session-id, got %q", pair)
				}
				aliasMap[alias] = sid
			}
			resp := a.Surface.ExecuteFederationQuery(cmd.Context(), command.FederationQueryRequest{
				SQL:      sql,
				AliasMap: aliasMap,
				Debug:    debug,
				RowCap:   rowCap,
			})
			a.saveAudit()
			printJSON(resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&sql, "sql", "", "federated statement, e.g. SELECT * FROM conn1.public.users JOIN conn2.public.orders ...")
	cmd.Flags().StringArrayVar(&aliases, "alias", nil, "alias=session-id binding, repeatable")
	cmd.Flags().BoolVar(&debug, "debug", false, "include the rewritten local SQL in the response")
	cmd.Flags().IntVar(&rowCap, "row-cap", 0, "per-source fetch cap (0 uses the default)")
	cmd.MarkFlagRequired("sql")
	cmd.MarkFlagRequired("alias")
	return cmd
}

func newAuditCommand() *cobra.Command {
	var (
		slow        int
		session     string
		operation   string
		blockedOnly bool
		export      bool
		metrics     bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit log, slow queries, or profiling metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			switch {
			case metrics:
				printJSON(a.Surface.GetProfilingMetrics(cmd.Context()))
			case slow > 0:
				printJSON(a.Surface.GetSlowQueries(cmd.Context(), slow))
			case export:
				printJSON(a.Surface.ExportAuditLog(cmd.Context()))
			default:
				printJSON(a.Surface.QueryAuditLog(cmd.Context(), interceptor.AuditFilter{
					SessionID:   session,
					Operation:   operation,
					BlockedOnly: blockedOnly,
				}))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&slow, "slow", 0, "show the N slowest queries instead of the full audit log")
	cmd.Flags().StringVar(&session, "session", "", "filter by session id")
	cmd.Flags().StringVar(&operation, "operation", "", "filter by operation type (select, delete, drop, ...)")
	cmd.Flags().BoolVar(&blockedOnly, "blocked", false, "only show blocked statements")
	cmd.Flags().BoolVar(&export, "export", false, "dump the full log as JSON")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "show profiling metrics instead of the log")
	return cmd
}

func newLicenseCommand() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "license",
		Short: "Show the current license status, or validate a key with --key",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			if key != "" {
				printJSON(a.Surface.ValidateLicenseKey(cmd.Context(), key))
				return nil
			}
			printJSON(a.Surface.GetLicenseStatus(cmd.Context()))
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "license key to validate")
	return cmd
}

func newRulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List the safety rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			printJSON(a.Surface.ListSafetyRules(cmd.Context()))
			return nil
		},
	}
	return cmd
}

func newSafetyConfigCommand() *cobra.Command {
	var (
		set                bool
		engineDisabled     bool
		prodBlockDangerous bool
		prodRequireConfirm bool
	)
	cmd := &cobra.Command{
		Use:   "safety-config",
		Short: "Show the safety engine's global flags, or replace them with --set",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			if set {
				printJSON(a.Surface.UpdateSafetyConfig(cmd.Context(), interceptor.SafetyConfig{
					RulesEngineDisabled:     engineDisabled,
					ProdBlockDangerousSQL:   prodBlockDangerous,
					ProdRequireConfirmation: prodRequireConfirm,
				}))
				return nil
			}
			printJSON(a.Surface.GetSafetyConfig(cmd.Context()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&set, "set", false, "replace the flags with the values below instead of showing them")
	cmd.Flags().BoolVar(&engineDisabled, "engine-disabled", false, "disable the whole rule pipeline")
	cmd.Flags().BoolVar(&prodBlockDangerous, "prod-block-dangerous", true, "block DROP/TRUNCATE on production connections")
	cmd.Flags().BoolVar(&prodRequireConfirm, "prod-require-confirmation", true, "require confirmation for dangerous statements on production connections")
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Reserved for a future long-running IPC/RPC bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newApp()
			if err != nil {
				return err
			}
			logger.Info("gateway components initialized; no transport is wired in this build")
			return nil
		},
	}
}
