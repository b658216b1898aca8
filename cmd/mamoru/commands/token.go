package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/shizukutanaka/mamoru/internal/api"
	"github.com/shizukutanaka/mamoru/internal/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Admin API credential helpers",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Mint an admin token signed with the configured secret",
	RunE:  runTokenIssue,
}

var tokenHashCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Print a bcrypt hash for api.admin_password_hash",
	Long: `Print a bcrypt hash for api.admin_password_hash. The password is read
from the terminal, or from stdin when it is not a terminal.`,
	RunE: runTokenHash,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd, tokenHashCmd)

	tokenIssueCmd.Flags().String("user", "", "Token subject (default api.admin_user)")
}

func runTokenIssue(cmd *cobra.Command, _ []string) error {
	user, _ := cmd.Flags().GetString("user")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.API.JWTSecret == "" {
		return errors.New("api.jwt_secret is not configured")
	}
	if user == "" {
		user = cfg.API.AdminUser
	}

	auth := api.NewAuthenticator(zap.NewNop(), []byte(cfg.API.JWTSecret), cfg.API.AdminUser, cfg.API.AdminPasswordHash, cfg.API.TokenTTL)
	token, err := auth.IssueToken(user)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runTokenHash(_ *cobra.Command, _ []string) error {
	password, err := readPassword()
	if err != nil {
		return err
	}
	if password == "" {
		return errors.New("empty password")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	fmt.Println(string(hash))
	return nil
}

func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return string(b), err
	}

	var line string
	if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}
