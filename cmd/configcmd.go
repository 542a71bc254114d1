package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configCmd prints the effective configuration after file, environment,
// and defaults merge, with secrets masked.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		masked := *cfg
		if masked.Auth.JWTSecret != "" {
			masked.Auth.JWTSecret = "****"
		}
		if masked.Anthropic.Key != "" {
			masked.Anthropic.Key = "****"
		}
		if masked.Embeddings.Key != "" {
			masked.Embeddings.Key = "****"
		}
		if masked.Redis.Password != "" {
			masked.Redis.Password = "****"
		}

		out, err := yaml.Marshal(masked)
		if err != nil {
			return eris.Wrap(err, "marshal config")
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
