// Description: This is the main file of the ftp server
// The main function starts the ftp server with explicit TLS (AUTH TLS) support
// and, when SFTP_SERVER_ADDR is set, an sftp mirror of the same root.
// Every setting can be given as a flag, an environment variable or in a config file.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/williamconnell/angry-ftp/filesystem"
	"github.com/williamconnell/angry-ftp/ftp"
	"github.com/williamconnell/angry-ftp/keys"
	"github.com/williamconnell/angry-ftp/sftp"
)

// Environment is the environment of the server
type Environment struct {
	FtpAddr         string
	SftpAddr        string
	SftpHostKeyFile string
	CrtFile         string
	KeyFile         string
	FtpServerIPv4   string
	FtpServerRoot   string
	PasvMinPort     int
	PasvMaxPort     int
	MaxConnections  int64
	LogLevel        string
}

// settings maps every flag to the environment variable it is read from.
var settings = []struct {
	flag string
	env  string
}{
	{"addr", "FTP_SERVER_ADDR"},
	{"root", "FTP_SERVER_ROOT"},
	{"public-ip", "FTP_SERVER_IPV4"},
	{"pasv-min-port", "PASV_MIN_PORT"},
	{"pasv-max-port", "PASV_MAX_PORT"},
	{"crt-file", "CRT_FILE"},
	{"key-file", "KEY_FILE"},
	{"sftp-addr", "SFTP_SERVER_ADDR"},
	{"sftp-host-key-file", "SFTP_HOST_KEY_FILE"},
	{"max-connections", "MAX_CONNECTIONS"},
	{"log-level", "LOG_LEVEL"},
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var configFile string

	cmd := &cobra.Command{
		Use:           "angry-ftp",
		Short:         "FTP server with explicit TLS serving a single directory",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				return nil
			}
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("error reading config file: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// setting up the slog logger
			logger := setupLogger(v.GetString("log-level"))
			slog.SetDefault(logger)

			env := GetEnv(v, logger)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err := run(ctx, env, logger)
			if err != nil {
				logger.Error("Server stopped with error", "error", err)
			}
			return err
		},
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, toml or json)")
	addFlags(cmd.Flags())
	if err := bindSettings(v, cmd.Flags()); err != nil {
		panic(err)
	}
	return cmd
}

func addFlags(flags *pflag.FlagSet) {
	flags.String("addr", ftp.DefaultAddr, "address of the FTP control listener")
	flags.String("root", ".", "directory served as /")
	flags.String("public-ip", "", `IPv4 address advertised in PASV replies, "auto" asks ipify`)
	flags.Int("pasv-min-port", ftp.DefaultPasvMinPort, "lowest passive data port")
	flags.Int("pasv-max-port", ftp.DefaultPasvMaxPort, "highest passive data port")
	flags.String("crt-file", "", "PEM certificate for AUTH TLS, self signed when empty")
	flags.String("key-file", "", "PEM key for AUTH TLS")
	flags.String("sftp-addr", "", "address of the SFTP mirror, disabled when empty")
	flags.String("sftp-host-key-file", "", "PEM SSH host key, generated when empty")
	flags.Int64("max-connections", ftp.DefaultMaxConnections, "number of sessions served at the same time")
	flags.String("log-level", "INFO", "DEBUG, INFO, WARN or ERROR")
}

func bindSettings(v *viper.Viper, flags *pflag.FlagSet) error {
	for _, setting := range settings {
		if err := v.BindPFlag(setting.flag, flags.Lookup(setting.flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", setting.flag, err)
		}
		if err := v.BindEnv(setting.flag, setting.env); err != nil {
			return fmt.Errorf("error binding env %s: %w", setting.env, err)
		}
	}
	return nil
}

// GetEnv returns a new Environment with the resolved settings
func GetEnv(v *viper.Viper, logger *slog.Logger) *Environment {
	env := &Environment{
		FtpAddr:         v.GetString("addr"),
		SftpAddr:        v.GetString("sftp-addr"),
		SftpHostKeyFile: v.GetString("sftp-host-key-file"),
		CrtFile:         v.GetString("crt-file"),
		KeyFile:         v.GetString("key-file"),
		FtpServerIPv4:   v.GetString("public-ip"),
		FtpServerRoot:   v.GetString("root"),
		PasvMinPort:     v.GetInt("pasv-min-port"),
		PasvMaxPort:     v.GetInt("pasv-max-port"),
		MaxConnections:  v.GetInt64("max-connections"),
		LogLevel:        v.GetString("log-level"),
	}

	logger.Debug("FTP_SERVER_ADDR is", "ADDR", env.FtpAddr)
	logger.Debug("FTP_SERVER_ROOT is", "ROOT", env.FtpServerRoot)
	logger.Debug("FTP_SERVER_IPV4 is", "IP", env.FtpServerIPv4)
	logger.Debug("PASV ports are", "min", env.PasvMinPort, "max", env.PasvMaxPort)
	logger.Debug("CRT_FILE is ", "file", env.CrtFile)
	logger.Debug("KEY_FILE is ", "file", env.KeyFile)
	logger.Debug("SFTP_SERVER_ADDR is", "ADDR", env.SftpAddr)
	return env
}

func run(ctx context.Context, env *Environment, logger *slog.Logger) error {
	if strings.EqualFold(env.FtpServerIPv4, "auto") {
		logger.Info("Getting public ip from ipify.org")
		ip, err := ftp.GetServerPublicIP(ctx)
		if err != nil {
			return err
		}
		env.FtpServerIPv4 = ip
	}

	hosts := []string{"localhost"}
	if env.FtpServerIPv4 != "" {
		hosts = append(hosts, env.FtpServerIPv4)
	}
	tlsConfig, err := keys.TLSConfig(env.CrtFile, env.KeyFile, hosts...)
	if err != nil {
		return fmt.Errorf("error loading certificate: %w", err)
	}

	// file system
	localFS := filesystem.NewLocalFS(env.FtpServerRoot)

	// ftp server
	ftpServer, err := ftp.NewServer(ftp.Config{
		Addr:           env.FtpAddr,
		PublicIPv4:     env.FtpServerIPv4,
		PasvMinPort:    env.PasvMinPort,
		PasvMaxPort:    env.PasvMaxPort,
		TLSConfig:      tlsConfig,
		MaxConnections: env.MaxConnections,
		DataTimeout:    ftp.DefaultDataTimeout,
	}, localFS)
	if err != nil {
		return fmt.Errorf("error creating ftp server: %w", err)
	}
	ftpServer.SetLogger(logger.With("module", "ftp-server"))

	// the host key is loaded before anything listens, so a bad key file
	// leaves no server running
	var sftpServer *sftp.Server
	if env.SftpAddr != "" {
		sftpServer = sftp.NewSFTPServer(env.SftpAddr, localFS)
		sftpServer.SetLogger(logger.With("module", "sftp-server"))
		if env.SftpHostKeyFile != "" {
			if err := sftpServer.SetPrivateKeyFile(env.SftpHostKeyFile); err != nil {
				return fmt.Errorf("error loading sftp host key: %w", err)
			}
		}
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return ignoreClosed(ftpServer.ListenAndServe(), ftp.ErrServerClosed)
	})
	if sftpServer != nil {
		group.Go(func() error {
			return ignoreClosed(sftpServer.ListenAndServe(), sftp.ErrServerClosed)
		})
	}

	// graceful shutdown all servers
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		err := ftpServer.Close()
		if sftpServer != nil {
			err = errors.Join(err, sftpServer.Close())
		}
		return err
	})

	return group.Wait()
}

func ignoreClosed(err, closed error) error {
	if errors.Is(err, closed) {
		return nil
	}
	return err
}

func setupLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	AddSource := false
	switch strings.ToUpper(level) {
	case "DEBUG":
		logLevel = slog.LevelDebug
		AddSource = true
	case "INFO":
		logLevel = slog.LevelInfo
	case "WARN":
		logLevel = slog.LevelWarn
	case "ERROR":
		logLevel = slog.LevelError
	}

	handlerOptions := &tint.Options{
		AddSource: AddSource,
		Level:     logLevel,
	}

	handler := tint.NewHandler(os.Stdout, handlerOptions)

	logger := slog.New(handler).With("app", "angry-ftp")
	logger.Info("Logger initialized", "level", logLevel)

	return logger
}
