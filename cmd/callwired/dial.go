package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stayline/callwire/internal/app"
	signalpkg "github.com/stayline/callwire/internal/signal"
	"github.com/stayline/callwire/internal/util"
)

var flagVideo bool

var dialCmd = &cobra.Command{
	Use:   "dial <identity>",
	Short: "Place a call to a peer",
	Long: `Place an audio call (or video, with --video) to the given identity and
stay on the line until either side hangs up. Interrupt to hang up.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, err := util.ValidateIdentity(args[0])
		if err != nil {
			return err
		}

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a, err := app.New(ctx, app.Options{DataDir: flagDataDir, Cfg: cfg})
		if err != nil {
			return err
		}
		defer a.Close()

		kind := signalpkg.KindAudio
		if flagVideo {
			kind = signalpkg.KindVideo
		}

		s, err := a.Dialer().Dial(ctx, to, kind)
		if err != nil {
			return fmt.Errorf("dial %s: %w", to, err)
		}
		fmt.Printf("Calling %s (%s)...\n", to, kind)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sig:
			log.Printf("DIAL: hanging up")
			s.Hangup()
			<-s.Done()
		case <-s.Done():
		}

		fmt.Printf("Call %s: %s\n", s.ID(), s.State())
		return s.Err()
	},
}

func init() {
	dialCmd.Flags().BoolVar(&flagVideo, "video", false, "place a video call")
}
