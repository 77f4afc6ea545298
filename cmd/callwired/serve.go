package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stayline/callwire/internal/app"
	"github.com/stayline/callwire/internal/call"
)

var (
	flagAutoAccept bool
	flagDiag       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the node and answer inbound calls",
	Long: `Run the node until interrupted. Inbound calls ring in the log; with
--auto-accept they are answered immediately, otherwise they stay ringing
until the caller gives up.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a, err := app.New(ctx, app.Options{DataDir: flagDataDir, CfgPath: cfgPath, Cfg: cfg})
		if err != nil {
			return err
		}
		defer a.Close()

		a.OnIncoming(func(ic *call.IncomingCall) {
			if !flagAutoAccept {
				log.Printf("SERVE: incoming %s call from %s (%s), not answering", ic.Signal.Kind, ic.From(), ic.DisplayName())
				return
			}
			s, err := ic.Accept(ctx)
			if err != nil {
				log.Printf("SERVE: accept %s: %v", ic.Signal.ID, err)
				return
			}
			go func() {
				<-s.Done()
				log.Printf("SERVE: call %s finished (%s)", s.ID(), s.State())
			}()
		})

		if flagDiag {
			if d := a.Diag(); d != nil {
				b, _ := json.MarshalIndent(d, "", "  ")
				log.Printf("SERVE: diagnostics\n%s", b)
			}
		}

		log.Printf("SERVE: answering as %s, interrupt to stop", a.Identity)
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Printf("SERVE: shutting down")
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&flagAutoAccept, "auto-accept", false, "answer inbound calls automatically")
	serveCmd.Flags().BoolVar(&flagDiag, "diag", false, "log a connectivity snapshot after startup")
}
