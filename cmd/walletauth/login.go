package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/layer-3/walletauth/config"
	"github.com/layer-3/walletauth/core"
	"github.com/spf13/cobra"
)

var tokenFile string

var loginCmd = &cobra.Command{
	Use:   "login <wallet-address>",
	Short: "Sign a wallet in interactively",
	Long: `Prints the sign-in message for the wallet, reads the signature from stdin,
completes the handshake and writes the session token to --out.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		a, err := buildApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		requester := &promptRequester{in: bufio.NewReader(os.Stdin), out: cmd.OutOrStdout()}
		artifact, err := a.auth.Login(ctx, args[0], requester)
		if err != nil {
			var attemptErr *core.AttemptError
			if errors.As(err, &attemptErr) {
				fmt.Fprintf(cmd.ErrOrStderr(), "Login failed at %s (recovery: %s)\n", attemptErr.LastState, attemptErr.Recovery)
			}
			return err
		}

		info, err := a.auth.Validate(ctx, artifact.Address)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s, session expires %s\n", info.UserID, artifact.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
		if tokenFile == "" {
			fmt.Fprintln(cmd.OutOrStdout(), artifact.Value)
			return nil
		}
		if err := os.WriteFile(tokenFile, []byte(artifact.Value), 0o600); err != nil {
			return fmt.Errorf("failed to save session token: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session token saved to %s\n", tokenFile)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&tokenFile, "out", "session_token.txt", "File to write the session token to (empty prints it)")
	rootCmd.AddCommand(loginCmd)
}

// promptRequester shows the challenge and reads a signature line from in
type promptRequester struct {
	in  *bufio.Reader
	out io.Writer
}

func (p *promptRequester) RequestSignature(ctx context.Context, c *core.Challenge) (string, error) {
	fmt.Fprintf(p.out, "Sign this message with %s (personal_sign) before %s:\n\n%s\n\n",
		c.Address, c.ExpiresAt.Format("15:04:05"), c.Message)

	for {
		fmt.Fprint(p.out, "Signature: ")

		line, err := p.in.ReadString('\n')
		sig := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(sig, "0x"):
			return sig, nil
		case err != nil:
			return "", fmt.Errorf("failed to read signature: %w", err)
		case ctx.Err() != nil:
			return "", ctx.Err()
		case sig != "":
			fmt.Fprintln(p.out, "Signature must start with 0x")
		}
	}
}
