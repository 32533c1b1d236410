package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/shogo82148/go-sfv"
	"github.com/spf13/cobra"

	"github.com/lucasew/memstate/internal/errutil"
)

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Reads a state entry from a running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		servers, err := cmd.Flags().GetStringSlice("server")
		if err != nil {
			return err
		}
		output, err := cmd.Flags().GetString("output")
		if err != nil {
			return err
		}

		// MEMSTATE_SERVER is a structured field list, e.g. "http://a:8080", "http://b:8080".
		if envServer := os.Getenv("MEMSTATE_SERVER"); envServer != "" && len(servers) == 0 {
			list, err := sfv.DecodeList([]string{envServer})
			if err != nil {
				errutil.LogMsg(err, "Failed to parse MEMSTATE_SERVER")
			} else {
				for _, item := range list {
					if s, ok := item.Value.(string); ok {
						servers = append(servers, s)
					}
				}
			}
		}
		if len(servers) == 0 {
			servers = []string{"http://localhost:8080"}
		}

		var out io.Writer = cmd.OutOrStdout()
		if output != "" {
			file, err := os.Create(output)
			if err != nil {
				return err
			}
			defer func() {
				errutil.LogMsg(file.Close(), "Failed to close output file")
			}()
			out = file
		}

		// Each attempt is buffered so a server failing mid-body leaves no
		// partial output behind.
		var lastErr error
		for _, server := range servers {
			var body []byte
			if body, lastErr = fetchState(cmd.Context(), server, key); lastErr == nil {
				_, err := out.Write(body)
				return err
			}
			errutil.LogMsg(lastErr, "Server failed", "server", server)
		}
		if output != "" {
			errutil.LogMsg(os.Remove(output), "Failed to remove output file after failed get", "path", output)
		}
		return lastErr
	},
}

func fetchState(ctx context.Context, server, key string) ([]byte, error) {
	u := strings.TrimRight(server, "/") + "/state/" + url.PathEscape(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d", u, resp.StatusCode)
	}

	bar := progressbar.NewOptions64(
		resp.ContentLength,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("reading"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(10),
		progressbar.OptionThrottle(65*time.Millisecond),
	)
	var buf bytes.Buffer
	_, err = io.Copy(io.MultiWriter(&buf, bar), resp.Body)
	errutil.LogMsg(bar.Finish(), "Failed to finish progress bar")
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().StringSlice("server", []string{}, "Server base URLs, tried in order")
	getCmd.Flags().StringP("output", "o", "", "Output file")
}
