package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/imaginglab/studykit"
	"github.com/imaginglab/studykit/pkg/client"
)

func newClient(f *APIFlags) (*client.Client, context.Context, error) {
	cfg := client.DefaultConfig()
	if f.URL != "" {
		cfg.BaseURL = f.URL
	}
	if f.Timeout > 0 {
		cfg.Timeout = f.Timeout
	}
	c := client.New(cfg)
	ctx := context.Background()
	if !c.IsReachable(ctx) {
		return nil, nil, fmt.Errorf("server not reachable at %s - start it first with 'studykit serve'", cfg.BaseURL)
	}
	return c, ctx, nil
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%+v\n", v)
		return
	}
	fmt.Println(string(b))
}

func createServeCommand(f *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the studykit HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			fc, err := studykit.LoadConfig(f.ConfigPath)
			if err != nil {
				return fmt.Errorf("load config %s: %w", f.ConfigPath, err)
			}
			app, err := studykit.NewApp(fc)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			srv := app.Serve()
			app.Logger.Info("studykit server started",
				"listen", fc.Server.Listen, "base_path", fc.Server.BasePath,
				"data_dir", fc.DataDir, "tools", app.Registry.Names())

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop

			app.Logger.Info("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
	cmd.Flags().StringVarP(&f.ConfigPath, "config", "c", "studykit.toml", "path to the TOML config file")
	return cmd
}

func createSubjectsCommand(api *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "subjects",
		Short: "List subjects",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, err := newClient(api)
			if err != nil {
				return err
			}
			subjects, err := c.Subjects(ctx)
			if err != nil {
				return err
			}
			printJSON(subjects)
			return nil
		},
	}
}

func createStudiesCommand(api *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "studies <subject>",
		Short: "List studies of a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, err := newClient(api)
			if err != nil {
				return err
			}
			studies, err := c.Studies(ctx, args[0])
			if err != nil {
				return err
			}
			printJSON(studies)
			return nil
		},
	}
}

func createToolsCommand(api *APIFlags, tf *TargetFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Show tool status for a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, err := newClient(api)
			if err != nil {
				return err
			}
			ds, err := c.Tools(ctx, client.Target{Subject: tf.Subject, Study: tf.Study})
			if err != nil {
				return err
			}
			printJSON(ds)
			return nil
		},
	}
	addTargetFlags(cmd, tf)
	return cmd
}

func createDispatchCommand(command, short string, api *APIFlags, tf *TargetFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   command + " <tool>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, err := newClient(api)
			if err != nil {
				return err
			}
			d, err := c.Dispatch(ctx, args[0], command, client.Target{Subject: tf.Subject, Study: tf.Study})
			if err != nil {
				return err
			}
			printJSON(d)
			return nil
		},
	}
	addTargetFlags(cmd, tf)
	return cmd
}

func createProcessesCommand(api *APIFlags, pf *ProcessFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "processes",
		Short: "List tracked tool processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, err := newClient(api)
			if err != nil {
				return err
			}
			procs, err := c.Processes(ctx, pf.Which)
			if err != nil {
				return err
			}
			printJSON(procs)
			return nil
		},
	}
	cmd.Flags().StringVar(&pf.Which, "which", "running", "ledger half: running or completed")
	return cmd
}

func createProcessCommand(api *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "process <pid>",
		Short: "Show one tracked process with its captured output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("pid must be an integer: %q", args[0])
			}
			c, ctx, err := newClient(api)
			if err != nil {
				return err
			}
			p, err := c.Process(ctx, pid)
			if err != nil {
				return err
			}
			printJSON(p)
			return nil
		},
	}
}

func createClearLogsCommand(api *APIFlags, pf *ProcessFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear-logs",
		Short: "Wipe the records of one ledger half",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, err := newClient(api)
			if err != nil {
				return err
			}
			if err := c.ClearLogs(ctx, pf.Which); err != nil {
				return err
			}
			fmt.Println("cleared", pf.Which)
			return nil
		},
	}
	cmd.Flags().StringVar(&pf.Which, "which", "completed", "ledger half: running or completed")
	return cmd
}
