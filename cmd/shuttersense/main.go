package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shuttersense/shuttersense/pkg/api"
	"github.com/shuttersense/shuttersense/pkg/auth"
	"github.com/shuttersense/shuttersense/pkg/broadcast"
	"github.com/shuttersense/shuttersense/pkg/coordinator"
	"github.com/shuttersense/shuttersense/pkg/guid"
	"github.com/shuttersense/shuttersense/pkg/liveness"
	"github.com/shuttersense/shuttersense/pkg/log"
	"github.com/shuttersense/shuttersense/pkg/metrics"
	"github.com/shuttersense/shuttersense/pkg/registry"
	"github.com/shuttersense/shuttersense/pkg/storage"
	"github.com/shuttersense/shuttersense/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shuttersense",
	Short: "ShutterSense - photo-analysis fleet coordinator",
	Long: `ShutterSense coordinates a fleet of user-owned worker agents that run
photo-analysis jobs. The server admits agents via single-use registration
tokens with binary attestation, tracks their liveness, matches jobs to
eligible workers, and streams pool and job state to observers.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ShutterSense version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(bootstrapTeamCmd)
	rootCmd.AddCommand(hashEmailCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator server",
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		jwtSecret, _ := cmd.Flags().GetString("jwt-secret")
		adminHashes, _ := cmd.Flags().GetStringSlice("admin-email-hash")
		disableAttestation, _ := cmd.Flags().GetBool("disable-attestation")
		logLevel, _ := cmd.Flags().GetString("log-level")

		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: true})
		metrics.SetVersion(Version)

		if jwtSecret == "" {
			jwtSecret = os.Getenv("SHUTTERSENSE_JWT_SECRET")
		}
		if jwtSecret == "" {
			return fmt.Errorf("a JWT secret is required (--jwt-secret or SHUTTERSENSE_JWT_SECRET)")
		}

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer store.Close()
		metrics.RegisterComponent("store", true, "")

		broker := broadcast.NewBroker(broadcast.Options{})
		coord := coordinator.NewCoordinator(store, broker)
		if disableAttestation {
			coord.AllowUnverified()
		}
		tracker := liveness.NewTracker(store, coord)
		gate := auth.NewGate(store, []byte(jwtSecret), adminHashes)
		reg := registry.NewService(store, !disableAttestation)

		collector := metrics.NewCollector(store)
		collector.Start()
		defer collector.Stop()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		go tracker.Run(ctx)

		srv := api.NewServer(api.Config{
			ListenAddr: listen,
			Store:      store,
			Gate:       gate,
			Registry:   reg,
			Coord:      coord,
			Tracker:    tracker,
			Broker:     broker,
		})
		metrics.RegisterComponent("api", true, "")

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		return srv.Shutdown(shutdownCtx)
	},
}

var bootstrapTeamCmd = &cobra.Command{
	Use:   "bootstrap-team",
	Short: "Create the first team and admin user directly in the store",
	Long: `Create a team and its first human user without going through the API.
Run this once against a stopped server to bootstrap a fresh deployment,
then pass the printed email hash to serve via --admin-email-hash.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		name, _ := cmd.Flags().GetString("name")
		email, _ := cmd.Flags().GetString("admin-email")
		if name == "" || email == "" {
			return fmt.Errorf("--name and --admin-email are required")
		}

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer store.Close()

		now := time.Now().UTC()
		tenant := &types.Tenant{
			GUID:      guid.New(guid.PrefixTenant),
			Name:      name,
			Active:    true,
			CreatedAt: now,
		}
		if err := store.CreateTenant(tenant); err != nil {
			return err
		}

		email = strings.ToLower(email)
		user := &types.User{
			GUID:      guid.New(guid.PrefixUser),
			TenantID:  tenant.ID,
			Email:     email,
			Kind:      types.UserKindHuman,
			Status:    types.UserStatusActive,
			Active:    true,
			CreatedAt: now,
		}
		if err := store.CreateUser(user); err != nil {
			return err
		}

		fmt.Printf("Team created:  %s (%s)\n", tenant.Name, tenant.GUID)
		fmt.Printf("Admin user:    %s (%s)\n", user.Email, user.GUID)
		fmt.Printf("Email hash:    %s\n", hashEmail(email))
		fmt.Println("\nPass the email hash to `shuttersense serve --admin-email-hash <hash>`.")
		return nil
	},
}

var hashEmailCmd = &cobra.Command{
	Use:   "hash-email <email>",
	Short: "Print the admin-allowlist hash for an email address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(hashEmail(strings.ToLower(args[0])))
		return nil
	},
}

func hashEmail(email string) string {
	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:])
}

func init() {
	serveCmd.Flags().String("listen", ":8080", "API listen address")
	serveCmd.Flags().String("data-dir", "/var/lib/shuttersense", "Data directory")
	serveCmd.Flags().String("jwt-secret", "", "HMAC secret for API-token JWTs")
	serveCmd.Flags().StringSlice("admin-email-hash", nil, "SHA-256 hashes of admin emails (repeatable)")
	serveCmd.Flags().Bool("disable-attestation", false, "Skip binary attestation at registration (development only)")
	serveCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")

	bootstrapTeamCmd.Flags().String("data-dir", "/var/lib/shuttersense", "Data directory")
	bootstrapTeamCmd.Flags().String("name", "", "Team name")
	bootstrapTeamCmd.Flags().String("admin-email", "", "First admin user's email")
}
