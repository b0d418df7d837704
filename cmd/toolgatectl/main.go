// Command toolgatectl inspects the permission table, evaluates tool requests
// offline, applies migrations and tails the usage event topic.
package main

import (
	"context"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"toolgate/pkg/store"
	"toolgate/pkg/usagebus"
)

// Testable variables for main()
var (
	osExit        = os.Exit
	migrateFn     = store.Migrate
	versionFn     = store.MigrationVersion
	newConsumerFn = func(cfg usagebus.KafkaConfig) (usagebus.Consumer, error) { return usagebus.NewKafkaConsumer(cfg) }
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	root := buildRootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	return root.ExecuteContext(ctx)
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "toolgatectl",
		Short:         "Operate the toolgate permission service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildPermissionsCmd(),
		buildCheckCmd(),
		buildUpgradeCmd(),
		buildMigrateCmd(),
		buildTokenCmd(),
		buildEventsCmd(),
	)
	return root
}
