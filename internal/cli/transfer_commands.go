package cli

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-xfer/internal/constants"
	"github.com/rescale/rescale-xfer/internal/engine"
	"github.com/rescale/rescale-xfer/internal/pathutil"
	"github.com/rescale/rescale-xfer/internal/ratelimit"
	"github.com/rescale/rescale-xfer/internal/services"
	"github.com/rescale/rescale-xfer/internal/transfer"
	"github.com/rescale/rescale-xfer/internal/util/paths"
	"github.com/rescale/rescale-xfer/internal/validation"
)

// transferFlags are shared by get and put.
type transferFlags struct {
	maxConcurrent int
	priority      string
	headers       []string
	noRetry       bool
	limitRate     string
}

func (f *transferFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.maxConcurrent, "max-concurrent", "m", 0,
		fmt.Sprintf("Maximum concurrent transfers (1-%d, 0 = from config)", constants.MaxConcurrentLimit))
	cmd.Flags().StringVarP(&f.priority, "priority", "p", "normal", "Queue priority: low, normal, high or urgent")
	cmd.Flags().StringArrayVarP(&f.headers, "header", "H", nil, `Extra HTTP header, e.g. -H "Authorization: Bearer x" (repeatable)`)
	cmd.Flags().BoolVar(&f.noRetry, "no-retry", false, "Fail on the first error instead of retrying")
	cmd.Flags().StringVar(&f.limitRate, "limit-rate", "", "Cap combined bandwidth, e.g. 500K or 2M per second (0 = from config)")
}

func (f *transferFlags) validate() (transfer.Priority, map[string]string, error) {
	if f.maxConcurrent < 0 || f.maxConcurrent > constants.MaxConcurrentLimit {
		return 0, nil, fmt.Errorf("--max-concurrent must be between 0 and %d, got %d",
			constants.MaxConcurrentLimit, f.maxConcurrent)
	}
	if _, err := ratelimit.ParseRate(f.limitRate); err != nil {
		return 0, nil, fmt.Errorf("--limit-rate: %w", err)
	}
	prio, err := transfer.ParsePriority(f.priority)
	if err != nil {
		return 0, nil, err
	}
	headers, err := parseHeaders(f.headers)
	if err != nil {
		return 0, nil, err
	}
	return prio, headers, nil
}

func (f *transferFlags) batch() batchOptions {
	rate, _ := ratelimit.ParseRate(f.limitRate)
	return batchOptions{maxConcurrent: f.maxConcurrent, noRetry: f.noRetry, bandwidth: rate}
}

// parseHeaders turns "Name: value" pairs into a map.
func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, expected \"Name: value\"", h)
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}

// newGetCmd creates the 'get' command.
func newGetCmd() *cobra.Command {
	var flags transferFlags
	var outputDir, output string

	cmd := &cobra.Command{
		Use:   "get <url> [url...]",
		Short: "Download files",
		Long: `Download one or more URLs.

Supported schemes: http, https, s3, and azblob or webdav when configured.
Each file is written to <outdir>/<last path segment of the URL>, or to
--output for a single URL. Interrupted downloads resume from the partial
file on the next run. A URL that was already downloaded and whose file is
still on disk is not fetched again.

Examples:
  rescale-xfer get https://example.com/data/input.tar.gz
  rescale-xfer get s3://bucket/results/a.csv s3://bucket/results/b.csv -o ./results
  rescale-xfer get https://example.com/big.bin -O /scratch/big.bin --priority high`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prio, headers, err := flags.validate()
			if err != nil {
				return err
			}
			if output != "" && len(args) > 1 {
				return errors.New("--output can only be used with a single URL; use --outdir for several")
			}

			reqs, err := downloadRequests(args, outputDir, output, prio, headers)
			if err != nil {
				return err
			}
			return runTransfers(cmd, engine.Download, reqs, flags.batch())
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&outputDir, "outdir", "o", ".", "Output directory for downloaded files")
	cmd.Flags().StringVarP(&output, "output", "O", "", "Output file (single URL only)")

	return cmd
}

func downloadRequests(urls []string, outputDir, output string, prio transfer.Priority, headers map[string]string) ([]services.TransferRequest, error) {
	dir, err := pathutil.ResolveAbsolutePath(outputDir)
	if err != nil {
		return nil, fmt.Errorf("invalid output directory: %w", err)
	}

	dests := make([]paths.Destination, 0, len(urls))
	for _, u := range urls {
		var dest string
		if output != "" {
			dest, err = pathutil.ResolveAbsolutePath(output)
		} else {
			dest, err = validation.DownloadPath(dir, u)
		}
		if err != nil {
			return nil, fmt.Errorf("cannot choose a destination for %s: %w", u, err)
		}
		dests = append(dests, paths.Destination{URL: u, LocalPath: dest})
	}
	if _, n := paths.ResolveCollisions(dests); n > 0 {
		GetLogger().Info().Int("files", n).Msg("URLs share a file name; tagged local names to keep them apart")
	}

	reqs := make([]services.TransferRequest, 0, len(dests))
	for _, d := range dests {
		reqs = append(reqs, services.TransferRequest{
			Direction: engine.Download,
			URL:       d.URL,
			LocalPath: d.LocalPath,
			Priority:  prio,
			Headers:   headers,
		})
	}
	return reqs, nil
}

// newPutCmd creates the 'put' command.
func newPutCmd() *cobra.Command {
	var flags transferFlags
	var to string

	cmd := &cobra.Command{
		Use:   "put <file> [file...] --to <url>",
		Short: "Upload files",
		Long: `Upload one or more local files.

With a single file, --to is the exact destination URL unless it ends in "/".
With several files, or when --to ends in "/", each file is uploaded to
<to>/<file name>.

Examples:
  rescale-xfer put results.csv --to https://example.com/upload/results.csv
  rescale-xfer put *.dat --to s3://bucket/runs/42/
  rescale-xfer put model.bin --to webdav://cloud/models/`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prio, headers, err := flags.validate()
			if err != nil {
				return err
			}
			reqs, err := uploadRequests(args, to, prio, headers)
			if err != nil {
				return err
			}
			return runTransfers(cmd, engine.Upload, reqs, flags.batch())
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&to, "to", "t", "", "Destination URL, or URL prefix ending in / (required)")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

func uploadRequests(files []string, to string, prio transfer.Priority, headers map[string]string) ([]services.TransferRequest, error) {
	if _, err := url.Parse(to); err != nil {
		return nil, fmt.Errorf("invalid --to URL: %w", err)
	}
	prefix := len(files) > 1 || strings.HasSuffix(to, "/")

	reqs := make([]services.TransferRequest, 0, len(files))
	for _, f := range files {
		local, err := pathutil.ResolveAbsolutePath(f)
		if err != nil {
			return nil, fmt.Errorf("invalid file %s: %w", f, err)
		}
		info, err := os.Stat(local)
		if err != nil {
			return nil, fmt.Errorf("cannot upload %s: %w", f, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("cannot upload %s: is a directory", f)
		}

		dest := to
		if prefix {
			dest = strings.TrimSuffix(to, "/") + "/" + url.PathEscape(filepath.Base(local))
		}
		reqs = append(reqs, services.TransferRequest{
			Direction: engine.Upload,
			URL:       dest,
			LocalPath: local,
			Priority:  prio,
			Headers:   headers,
		})
	}
	return reqs, nil
}

// runTransfers loads config, opens a session and runs reqs to completion.
func runTransfers(cmd *cobra.Command, dir engine.Direction, reqs []services.TransferRequest, bo batchOptions) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if bo.bandwidth > 0 {
		cfg.Queue.BandwidthLimit = bo.bandwidth
	}
	log := GetLogger()
	ctx := GetContext(cmd)

	sess, err := openSession(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.close(); err != nil {
			log.Warn().Err(err).Msg("shutdown did not finish cleanly")
		}
	}()

	log.Debug().Strs("schemes", sess.engine.Schemes()).Int("count", len(reqs)).Msg("starting transfers")
	return sess.runBatch(ctx, cmd.OutOrStdout(), dir, reqs, bo)
}
