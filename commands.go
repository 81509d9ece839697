package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/gluk-w/fleetexec/internal/config"
	"github.com/gluk-w/fleetexec/internal/crypto"
	"github.com/gluk-w/fleetexec/internal/executor"
	"github.com/gluk-w/fleetexec/internal/sshpool"
)

// resolveTargets expands inventory names, groups and SSH URLs.
func resolveTargets(targets []string) ([]sshpool.HostDescriptor, error) {
	inv, err := loadInventory()
	if err != nil {
		return nil, err
	}
	hosts, err := inv.Resolve(targets)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("no hosts given")
	}
	return hosts, nil
}

// credentialFlags lets URL targets carry a key or password from the command
// line. Inventory hosts keep their own credentials.
type credentialFlags struct {
	keyPath    string
	passphrase string
	password   string
}

func (c *credentialFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&c.keyPath, "identity", "i", "", "Private key file for hosts without credentials")
	cmd.Flags().StringVar(&c.passphrase, "passphrase", "", "Passphrase for the private key")
	cmd.Flags().StringVar(&c.password, "password", "", "Password for hosts without credentials")
}

func (c *credentialFlags) apply(hosts []sshpool.HostDescriptor) {
	for i := range hosts {
		if hosts[i].HasCredentials() {
			continue
		}
		hosts[i].KeyPath = c.keyPath
		hosts[i].Passphrase = c.passphrase
		hosts[i].Password = c.password
	}
}

func newTestCommand() *cobra.Command {
	var creds credentialFlags

	cmd := &cobra.Command{
		Use:   "test <host>",
		Short: "Check that a host accepts a connection and runs a command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hosts, err := resolveTargets(args)
			if err != nil {
				return err
			}
			creds.apply(hosts)

			mgr, err := newManager(nil)
			if err != nil {
				return err
			}
			defer mgr.CloseAll()

			out := cmd.OutOrStdout()
			var failed error
			for _, d := range hosts {
				res, err := mgr.Test(cmd.Context(), d)
				if err != nil {
					fmt.Fprintf(out, "FAIL %s (%s): %v\n", res.Host, sshpool.Kind(err), err)
					failed = fmt.Errorf("connection test failed")
					continue
				}
				fmt.Fprintf(out, "OK   %s in %s: %s", res.Host, res.Latency.Round(time.Millisecond), res.Output)
				if res.HostKeyFingerprint != "" {
					fmt.Fprintf(out, "     host key %s\n", res.HostKeyFingerprint)
				}
			}
			return failed
		},
	}
	creds.register(cmd)
	return cmd
}

func newExecCommand() *cobra.Command {
	var (
		creds   credentialFlags
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "exec <host> <command>...",
		Short: "Run a command on one host and exit with its exit code",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hosts, err := resolveTargets(args[:1])
			if err != nil {
				return err
			}
			if len(hosts) != 1 {
				return fmt.Errorf("%q selects %d hosts; use exec-multi", args[0], len(hosts))
			}
			creds.apply(hosts)

			mgr, err := newManager(nil)
			if err != nil {
				return err
			}
			defer mgr.CloseAll()

			res, err := mgr.ExecuteOne(cmd.Context(), hosts[0], strings.Join(args[1:], " "), timeout)
			if err != nil {
				return err
			}
			io.WriteString(cmd.OutOrStdout(), res.Stdout)
			io.WriteString(cmd.ErrOrStderr(), res.Stderr)
			if res.ExitCode != 0 {
				return &exitCodeError{code: res.ExitCode}
			}
			return nil
		},
	}
	creds.register(cmd)
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Command timeout (default $FLEETEXEC_COMMAND_TIMEOUT_SECONDS)")
	return cmd
}

func newExecMultiCommand() *cobra.Command {
	var (
		creds   credentialFlags
		targets []string
		timeout time.Duration
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "exec-multi --hosts <host,group,...> <command>...",
		Short: "Run a command on many hosts concurrently",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hosts, err := resolveTargets(targets)
			if err != nil {
				return err
			}
			creds.apply(hosts)

			mgr, err := newManager(nil)
			if err != nil {
				return err
			}
			defer mgr.CloseAll()

			start := time.Now()
			results := mgr.ExecuteMany(cmd.Context(), strings.Join(args, " "), hosts, timeout)
			if asJSON {
				return printResultsJSON(cmd.OutOrStdout(), results)
			}
			failed := printResults(cmd.OutOrStdout(), results, time.Since(start))
			if failed > 0 {
				return fmt.Errorf("%d of %d host(s) failed", failed, len(results))
			}
			return nil
		},
	}
	creds.register(cmd)
	cmd.Flags().StringSliceVarP(&targets, "hosts", "H", nil, "Hosts, groups, \"all\" or SSH URLs")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Per-host command timeout")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	cmd.MarkFlagRequired("hosts")
	return cmd
}

// printResults writes one block per host in host order and returns how many
// hosts failed to run the command.
func printResults(w io.Writer, results map[string]executor.HostResult, elapsed time.Duration) int {
	hosts := make([]string, 0, len(results))
	for h := range results {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	failed, nonZero := 0, 0
	for _, h := range hosts {
		hr := results[h]
		if hr.Err != nil {
			failed++
			fmt.Fprintf(w, "== %s: FAILED (%s) %v\n", h, hr.Kind(), hr.Err)
			continue
		}
		res := hr.Result
		if res.ExitCode != 0 {
			nonZero++
		}
		fmt.Fprintf(w, "== %s: exit %d in %s (%s)\n", h, res.ExitCode,
			res.Duration.Round(time.Millisecond), units.HumanSize(float64(len(res.Stdout)+len(res.Stderr))))
		if res.Stdout != "" {
			io.WriteString(w, indent(res.Stdout))
		}
		if res.Stderr != "" {
			io.WriteString(w, indent(res.Stderr))
		}
	}
	fmt.Fprintf(w, "%d host(s) in %s: %d ok, %d non-zero exit, %d failed\n",
		len(results), elapsed.Round(time.Millisecond), len(results)-failed-nonZero, nonZero, failed)
	return failed
}

func indent(s string) string {
	s = strings.TrimRight(s, "\n")
	return "   " + strings.ReplaceAll(s, "\n", "\n   ") + "\n"
}

type jsonResult struct {
	Host   string                   `json:"host"`
	RunID  string                   `json:"run_id"`
	Kind   string                   `json:"kind,omitempty"`
	Error  string                   `json:"error,omitempty"`
	Result *sshpool.ExecutionResult `json:"result,omitempty"`
}

func printResultsJSON(w io.Writer, results map[string]executor.HostResult) error {
	out := make(map[string]jsonResult, len(results))
	for h, hr := range results {
		jr := jsonResult{Host: h, RunID: hr.RunID, Kind: hr.Kind(), Result: hr.Result}
		if hr.Err != nil {
			jr.Error = hr.Err.Error()
		}
		out[h] = jr
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func newStatsCommand() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show pool statistics from a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				server = serverURL(config.Cfg.ListenAddr)
			}
			stats, err := fetchStats(cmd.Context(), strings.TrimRight(server, "/")+"/api/v1/stats", config.Cfg.APIToken)
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), stats, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "Server base URL (default derived from $FLEETEXEC_LISTEN_ADDR)")
	return cmd
}

// serverURL turns a listen address into a base URL, using localhost when the
// address has no host.
func serverURL(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "http://" + listenAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// fetchStats reads pool stats from a running server using the API token.
func fetchStats(ctx context.Context, url, token string) (map[string]sshpool.PoolStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("fetch stats: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var stats map[string]sshpool.PoolStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return stats, nil
}

func printStats(w io.Writer, stats map[string]sshpool.PoolStats, now time.Time) {
	if len(stats) == 0 {
		fmt.Fprintln(w, "No pools")
		return
	}
	hosts := make([]string, 0, len(stats))
	for h := range stats {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tIDLE\tON LOAN\tMAX\tWAITING\tOPENED\tREUSED\tDISCARDED\tOLDEST")
	for _, h := range hosts {
		s := stats[h]
		oldest := "-"
		if !s.Oldest.IsZero() {
			oldest = units.HumanDuration(now.Sub(s.Oldest))
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			h, s.Idle, s.OnLoan, s.Max, s.Waiting, s.Opened, s.Reused, s.Discarded, oldest)
	}
	tw.Flush()
}

func newEncryptCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <value>",
		Short: "Encrypt a secret for use in an inventory file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := loadKeyring()
			if err != nil {
				return err
			}
			if keys == nil {
				return fmt.Errorf("FLEETEXEC_FERNET_KEY is not set; create one with 'fleetexec keygen fernet'")
			}
			sealed, err := keys.Seal(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}

func newKeygenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate keys",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "fernet",
		Short: "Print a new key for FLEETEXEC_FERNET_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	})

	var passphrase string
	sshCmd := &cobra.Command{
		Use:   "ssh <private-key-file>",
		Short: "Write a new Ed25519 key pair to <file> and <file>.pub",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := sshpool.ExpandHome(args[0])
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			pub, priv, err := sshpool.GenerateKeyPair(passphrase)
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, priv, 0600); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}
			if err := os.WriteFile(path+".pub", pub, 0644); err != nil {
				return fmt.Errorf("write public key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s and %s.pub\n%s", path, path, pub)
			return nil
		},
	}
	sshCmd.Flags().StringVar(&passphrase, "passphrase", "", "Encrypt the private key with this passphrase")
	cmd.AddCommand(sshCmd)
	return cmd
}
