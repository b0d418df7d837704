package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"toolgate/pkg/auth"
	"toolgate/pkg/config"
	"toolgate/pkg/models"
	"toolgate/pkg/permission"
	"toolgate/pkg/ratelimit"
	"toolgate/pkg/store"
	"toolgate/pkg/usagebus"
)

// userFlags describes the user an offline evaluation runs as.
type userFlags struct {
	userID    string
	tenant    string
	plan      string
	flags     []string
	roles     []string
	grants    []string
	developer bool
	env       string
}

func (f *userFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.userID, "user", "cli-user", "User id")
	cmd.Flags().StringVar(&f.tenant, "tenant", auth.DefaultTenant, "Tenant")
	cmd.Flags().StringVar(&f.plan, "plan", string(models.PlanFree), "Plan tier (free, pro, enterprise, developer)")
	cmd.Flags().StringSliceVar(&f.flags, "flags", nil, "Enabled feature flags")
	cmd.Flags().StringSliceVar(&f.roles, "roles", nil, "User roles")
	cmd.Flags().StringSliceVar(&f.grants, "grant", nil, "Explicit permission grants (wildcards allowed)")
	cmd.Flags().BoolVar(&f.developer, "developer", false, "Mark the user as a developer")
	cmd.Flags().StringVar(&f.env, "env", "production", "Deployment environment")
}

func (f *userFlags) user() (models.UserContext, error) {
	plan, err := models.ParsePlanTier(f.plan)
	if err != nil {
		return models.UserContext{}, err
	}
	u := models.UserContext{
		UserID:       f.userID,
		Tenant:       f.tenant,
		Plan:         plan,
		FeatureFlags: map[string]bool{},
		Roles:        f.roles,
		Grants:       f.grants,
		IsDeveloper:  f.developer,
		Environment:  f.env,
	}
	for _, flag := range f.flags {
		u.FeatureFlags[strings.TrimSpace(flag)] = true
	}
	return u, nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadTable(path string) (*permission.Table, []config.ToolSpec, error) {
	if path == "" {
		path = config.Env("PERMISSIONS_FILE", "")
	}
	return config.LoadPermissions(path)
}

func buildPermissionsCmd() *cobra.Command {
	var (
		file   string
		format string
	)
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Print the permission table",
		RunE: func(cmd *cobra.Command, args []string) error {
			table, tools, err := loadTable(file)
			if err != nil {
				return err
			}
			doc := config.PermissionsFile{
				DenyUnlisted: table.DenyUnlisted(),
				Groups:       table.Groups(),
				Permissions:  table.Permissions(),
				Tools:        tools,
			}
			switch format {
			case "json":
				return writeJSON(cmd.OutOrStdout(), doc)
			case "yaml":
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(doc); err != nil {
					return err
				}
				return enc.Close()
			default:
				return fmt.Errorf("unknown format %q", format)
			}
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Permission table YAML (default: built-in table)")
	cmd.Flags().StringVar(&format, "format", "yaml", "Output format (yaml, json)")
	return cmd
}

func buildCheckCmd() *cobra.Command {
	var (
		file  string
		tool  string
		calls int
		uf    userFlags
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate a tool request offline",
		Long: `Evaluate a tool request against the permission table with an in-memory
usage counter. --calls repeats the consuming evaluation to show where the
rate limit bites; the last decision is printed.`,
		Example: `  toolgatectl check --plan pro --flags analytics --tool analytics.query
  toolgatectl check --plan enterprise --tool code.run --calls 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(tool) == "" {
				return errors.New("--tool is required")
			}
			if calls < 1 {
				calls = 1
			}
			table, _, err := loadTable(file)
			if err != nil {
				return err
			}
			u, err := uf.user()
			if err != nil {
				return err
			}
			svc := permission.NewService(table, ratelimit.NewInMemory())
			var d models.Decision
			for i := 0; i < calls; i++ {
				d = svc.Evaluate(cmd.Context(), u, tool)
				if !d.Allowed {
					break
				}
			}
			return writeJSON(cmd.OutOrStdout(), d)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Permission table YAML (default: built-in table)")
	cmd.Flags().StringVar(&tool, "tool", "", "Tool name")
	cmd.Flags().IntVar(&calls, "calls", 1, "Number of consuming evaluations")
	uf.register(cmd)
	return cmd
}

func buildUpgradeCmd() *cobra.Command {
	var (
		file string
		tool string
		uf   userFlags
	)
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Show the cheapest plan that unlocks a tool",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(tool) == "" {
				return errors.New("--tool is required")
			}
			table, _, err := loadTable(file)
			if err != nil {
				return err
			}
			u, err := uf.user()
			if err != nil {
				return err
			}
			d := permission.NewService(table, nil).Check(cmd.Context(), u, tool)
			if d.UpgradePath == nil {
				if d.Allowed {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is already available on %s\n", tool, u.Plan)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "no plan upgrade unlocks %s (%s)\n", tool, d.Reason)
				}
				return nil
			}
			return writeJSON(cmd.OutOrStdout(), d.UpgradePath)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Permission table YAML (default: built-in table)")
	cmd.Flags().StringVar(&tool, "tool", "", "Tool name")
	uf.register(cmd)
	return cmd
}

func buildMigrateCmd() *cobra.Command {
	var dsn string
	resolve := func() (string, error) {
		if dsn != "" {
			return dsn, nil
		}
		return store.PostgresDSN()
	}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolve()
			if err != nil {
				return err
			}
			if err := migrateFn(cmd.Context(), target); err != nil {
				return err
			}
			version, err := versionFn(cmd.Context(), target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied, version %d\n", version)
			return nil
		},
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Print the applied migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolve()
			if err != nil {
				return err
			}
			version, err := versionFn(cmd.Context(), target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d\n", version)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Postgres DSN (default: DATABASE_URL or DATABASE_* parts)")
	cmd.AddCommand(status)
	return cmd
}

func buildTokenCmd() *cobra.Command {
	var (
		secret  string
		subject string
		tenant  string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = config.Env("JWT_HS256_SECRET", "")
			}
			if strings.TrimSpace(subject) == "" {
				return errors.New("--sub is required")
			}
			token, err := auth.IssueHS256(secret, auth.Principal{Subject: subject, Tenant: tenant, Roles: roles}, ttl, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "Signing secret (default: JWT_HS256_SECRET)")
	cmd.Flags().StringVar(&subject, "sub", "", "Subject (user id)")
	cmd.Flags().StringVar(&tenant, "tenant", auth.DefaultTenant, "Tenant claim")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "Role claims")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}

func buildEventsCmd() *cobra.Command {
	var (
		brokers []string
		topic   string
		group   string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print usage events from the Kafka topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			if len(brokers) == 0 {
				brokers = cfg.KafkaBrokers
			}
			if topic == "" {
				topic = cfg.KafkaUsageTopic
			}
			if group == "" {
				group = cfg.KafkaGroupID
			}
			consumer, err := newConsumerFn(usagebus.KafkaConfig{Brokers: brokers, Topic: topic, GroupID: group})
			if err != nil {
				return err
			}
			defer func() { _ = consumer.Close() }()
			enc := json.NewEncoder(cmd.OutOrStdout())
			for n := 0; limit <= 0 || n < limit; n++ {
				evt, err := consumer.Read(cmd.Context())
				if err != nil {
					if errors.Is(err, cmd.Context().Err()) {
						return nil
					}
					return err
				}
				if err := enc.Encode(evt); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&brokers, "brokers", nil, "Kafka brokers (default: KAFKA_BROKERS)")
	cmd.Flags().StringVar(&topic, "topic", "", "Topic (default: KAFKA_USAGE_TOPIC)")
	cmd.Flags().StringVar(&group, "group", "", "Consumer group (default: KAFKA_GROUP_ID)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many events (0 = follow)")
	return cmd
}
