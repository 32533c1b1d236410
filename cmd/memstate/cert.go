package main

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasew/memstate/internal/proxy"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Generates the CA used by the proxy to intercept HTTPS",
	RunE: func(cmd *cobra.Command, args []string) error {
		outCert, err := cmd.Flags().GetString("out-cert")
		if err != nil {
			return err
		}
		outKey, err := cmd.Flags().GetString("out-key")
		if err != nil {
			return err
		}
		validFor, err := cmd.Flags().GetDuration("valid-for")
		if err != nil {
			return err
		}

		slog.Info("Generating CA certificate and key", "cert", outCert, "key", outKey, "valid_for", validFor)
		if err := proxy.WriteCA(outCert, outKey, validFor); err != nil {
			return err
		}
		slog.Info("Successfully generated CA certificate and key")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(certCmd)

	certCmd.Flags().String("out-cert", "ca.pem", "Output path for the CA certificate")
	certCmd.Flags().String("out-key", "ca-key.pem", "Output path for the CA private key")
	certCmd.Flags().Duration("valid-for", 365*24*time.Hour, "Validity of the CA certificate")
}
