package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shuttersense/shuttersense/pkg/agent"
	"github.com/shuttersense/shuttersense/pkg/log"
	"github.com/shuttersense/shuttersense/pkg/registry"
)

// Exit codes, stable for process supervisors:
// 0 clean shutdown, 1 fatal configuration error, 2 registration required,
// 3 agent revoked.
const (
	exitOK           = 0
	exitConfig       = 1
	exitUnregistered = 2
	exitRevoked      = 3
)

var (
	// Version is stamped via ldflags and shared with the runtime.
	Version = "dev"
)

func main() {
	agent.Version = Version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfig)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shutter-agent",
	Short: "ShutterSense worker agent",
	Long: `The ShutterSense worker agent runs photo-analysis jobs on this machine.
Register once with a token from your team admin, then run the agent as a
long-lived process.`,
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("config", agent.DefaultConfigPath(), "Config file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(registerCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent",
	Run: func(cmd *cobra.Command, args []string) {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := agent.LoadConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitConfig)
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel)})

		if !cfg.Registered() {
			fmt.Fprintln(os.Stderr, "This agent is not registered. Run `shutter-agent register` first.")
			os.Exit(exitUnregistered)
		}

		client := agent.NewClient(cfg.ServerURL, cfg.APIKey)
		rt := agent.NewRuntime(cfg, client)
		rt.RegisterTool("photostats", agent.Photostats())

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := rt.Run(ctx); err != nil {
			if errors.Is(err, agent.ErrRevoked) {
				fmt.Fprintln(os.Stderr, "This agent has been revoked by your team admin.")
				os.Exit(exitRevoked)
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitConfig)
		}
		os.Exit(exitOK)
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this machine with the coordinator",
	Run: func(cmd *cobra.Command, args []string) {
		configPath, _ := cmd.Flags().GetString("config")
		serverURL, _ := cmd.Flags().GetString("server")
		token, _ := cmd.Flags().GetString("token")
		name, _ := cmd.Flags().GetString("name")
		roots, _ := cmd.Flags().GetStringSlice("authorized-root")

		if serverURL == "" || token == "" {
			fmt.Fprintln(os.Stderr, "Error: --server and --token are required")
			os.Exit(exitConfig)
		}
		if name == "" {
			name, _ = os.Hostname()
		}
		hostname, _ := os.Hostname()
		checksum, err := agent.BinaryChecksum()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cannot hash own binary: %v\n", err)
		}

		client := agent.NewClient(serverURL, "")
		result, err := client.Register(context.Background(), &registry.RegisterInput{
			Token:           token,
			Name:            name,
			Hostname:        hostname,
			OSInfo:          agent.Platform(),
			AuthorizedRoots: roots,
			Capabilities:    []string{"tool:photostats:" + Version},
			Version:         Version,
			BinaryChecksum:  checksum,
			Platform:        agent.Platform(),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Registration failed: %v\n", err)
			os.Exit(exitConfig)
		}

		cfg := &agent.Config{
			ServerURL:       serverURL,
			AgentGUID:       result.AgentGUID,
			APIKey:          result.APIKey,
			AgentName:       result.Name,
			AuthorizedRoots: roots,
		}
		if err := cfg.Save(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitConfig)
		}

		fmt.Printf("Registered as %s (%s).\n", result.Name, result.AgentGUID)
		fmt.Printf("Credentials saved to %s. Start the agent with `shutter-agent run`.\n", configPath)
	},
}

func init() {
	registerCmd.Flags().String("server", "", "Coordinator base URL")
	registerCmd.Flags().String("token", "", "Registration token from your team admin")
	registerCmd.Flags().String("name", "", "Agent display name (defaults to hostname)")
	registerCmd.Flags().StringSlice("authorized-root", nil, "Absolute path this agent may read (repeatable)")
}
