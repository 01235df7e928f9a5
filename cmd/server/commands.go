package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ashureev/bizpartner/internal/rpc"
	"github.com/ashureev/bizpartner/internal/session"
)

var personasCmd = &cobra.Command{
	Use:   "personas",
	Short: "List the demo persona catalogue",
	RunE:  runPersonas,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the server version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

var specialistsCmd = &cobra.Command{
	Use:   "serve-specialists",
	Short: "Host the local specialists over gRPC for a remote orchestrator",
	RunE:  runSpecialists,
}

var (
	personasFile    string
	specialistsAddr string
)

func init() {
	personasCmd.Flags().StringVar(&personasFile, "file", "", "persona catalogue YAML (default: built-in)")
	specialistsCmd.Flags().StringVar(&specialistsAddr, "addr", ":9090", "listen address")
	rootCmd.AddCommand(personasCmd, versionCmd, specialistsCmd)
}

func runPersonas(cmd *cobra.Command, _ []string) error {
	if personasFile == "" {
		personasFile = os.Getenv("PERSONAS_FILE")
	}
	catalogue, err := session.LoadCatalogue(personasFile)
	if err != nil {
		return err
	}

	list := catalogue.List()
	maxLen := 0
	for _, p := range list {
		maxLen = max(maxLen, len(p.ID))
	}
	out := cmd.OutOrStdout()
	for _, p := range list {
		fmt.Fprintf(out, "  %-*s  %-16s %s\n", maxLen, p.ID, p.Phase, p.Name)
	}
	return nil
}

func runSpecialists(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instr, stopInstr, err := newInstructions(ctx, cfg.Instructions, logger)
	if err != nil {
		return err
	}
	defer stopInstr()

	gen, err := newGenerator(ctx, cfg.Gemini, logger)
	if err != nil {
		return err
	}
	reg, err := newRegistry(gen, instr, logger)
	if err != nil {
		return err
	}

	lis, err := (&net.ListenConfig{}).Listen(ctx, "tcp", specialistsAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", specialistsAddr, err)
	}
	srv := rpc.NewServer(reg, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Specialist host listening", "addr", lis.Addr().String(), "roles", reg.Roles())
		errCh <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Stopping specialist host")
		srv.Stop()
		return nil
	case err := <-errCh:
		return err
	}
}
