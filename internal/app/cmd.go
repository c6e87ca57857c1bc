package app

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はデーモン（ローカルソケット＋管理用HTTP）として起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandInvite は招待コードを発行して標準出力に書き出すことを示す。
	CommandInvite Command = "invite"
	// CommandCheck はローカルソケットに対してcheckAuthを1回実行することを示す（デバッグ用）。
	CommandCheck Command = "check"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

const (
	defaultSocketPath = "/tmp/sso.sock"
	defaultAdminAddr  = "127.0.0.1:9090"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "invite":
		return CommandInvite
	case "check":
		return CommandCheck
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// subcommandArgs はサブコマンド名を取り除いたフラグ部分を返す。
func subcommandArgs(args []string) []string {
	if len(args) == 0 || string(ParseCommand(args)) != args[0] {
		return nil
	}
	return args[1:]
}

// InviteOptions はinviteサブコマンドのオプション。
type InviteOptions struct {
	Count int
}

// CheckOptions はcheckサブコマンドのオプション。
type CheckOptions struct {
	Socket  string
	Cookie  string
	Host    string
	Path    string
	Timeout time.Duration
}

// HealthcheckOptions はhealthcheckサブコマンドのオプション。
type HealthcheckOptions struct {
	Addr string
}

func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// ParseInviteFlags はinviteサブコマンドのフラグを解析する。
func ParseInviteFlags(args []string, stderr io.Writer) (InviteOptions, error) {
	var opts InviteOptions
	fs := newFlagSet(string(CommandInvite), stderr)
	fs.IntVarP(&opts.Count, "count", "n", 1, "number of invitation codes to issue")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.Count < 1 || opts.Count > 100 {
		return opts, fmt.Errorf("--count must be between 1 and 100, got %d", opts.Count)
	}
	return opts, nil
}

// ParseCheckFlags はcheckサブコマンドのフラグを解析する。
// ソケットパスの既定値はSOCKET_PATH環境変数、未設定なら/tmp/sso.sock。
func ParseCheckFlags(args []string, stderr io.Writer) (CheckOptions, error) {
	var opts CheckOptions
	fs := newFlagSet(string(CommandCheck), stderr)
	fs.StringVar(&opts.Socket, "socket", envOr("SOCKET_PATH", defaultSocketPath), "daemon socket path")
	fs.StringVar(&opts.Cookie, "cookie", "", "session cookie value (empty means no cookie)")
	fs.StringVar(&opts.Host, "host", "", "requested host")
	fs.StringVar(&opts.Path, "path", "/", "requested path")
	fs.DurationVar(&opts.Timeout, "timeout", 3*time.Second, "overall timeout including connection")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.Host == "" {
		return opts, fmt.Errorf("--host is required")
	}
	return opts, nil
}

// ParseHealthcheckFlags はhealthcheckサブコマンドのフラグを解析する。
// アドレスの既定値はADMIN_ADDR環境変数、未設定なら127.0.0.1:9090。
func ParseHealthcheckFlags(args []string, stderr io.Writer) (HealthcheckOptions, error) {
	var opts HealthcheckOptions
	fs := newFlagSet(string(CommandHealthcheck), stderr)
	fs.StringVar(&opts.Addr, "addr", envOr("ADMIN_ADDR", defaultAdminAddr), "admin HTTP address")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
