package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/app"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/auth"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/config"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/utils"
	"github.com/spf13/cobra"
)

var (
	// set by the release build
	version = "dev"
	commit  = "none"
	date    = "unknown"

	configPath string

	tokenProducer string
	tokenUser     string
	tokenName     string
	tokenExpires  string
)

var rootCmd = &cobra.Command{
	Use:           "snapper",
	Short:         "Real-time pub/sub gateway",
	Long:          `Snapper bridges producers publishing over framed JSON-RPC to consumers connected over websocket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.Run(configPath, version)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("snapper version %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign a producer or consumer token with the configured secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (tokenProducer == "") == (tokenUser == "") {
			return errors.New("exactly one of --producer or --user is required")
		}
		if tokenUser != "" && !auth.ValidUserID(tokenUser) {
			return auth.ErrInvalidUserID
		}
		cfg, err := config.ReadConfig(configPath)
		if err != nil {
			return err
		}

		claims := &auth.Claims{ProducerID: tokenProducer, UserID: tokenUser, Name: tokenName}
		if tokenExpires != "" {
			ttl, err := utils.ParseStringTime(tokenExpires)
			if err != nil {
				return fmt.Errorf("invalid --expires: %w", err)
			}
			claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
		}
		verifier := auth.NewJWTVerifier(cfg.Auth.TokenSecret, 0, 0)
		token, err := verifier.Sign(claims)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFile, "Config file path")

	tokenCmd.Flags().StringVar(&tokenProducer, "producer", "", "producerId claim")
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "userId claim (24 lowercase hex characters)")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "name claim")
	tokenCmd.Flags().StringVar(&tokenExpires, "expires", "", "lifetime such as 1h or 7d")

	rootCmd.AddCommand(versionCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
