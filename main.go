package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tvboard/tvboard-edge/internal/config"
	"github.com/tvboard/tvboard-edge/internal/logging"
)

// configEnvVar 可覆盖默认配置路径，--config 优先级更高。
const configEnvVar = "TVBOARD_CONFIG"

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// exitError 携带命令希望返回的退出码，错误信息已由命令自行输出。
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute 构建命令树并执行，返回退出码，方便测试。
func execute(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		if exit, ok := err.(exitError); ok {
			return exit.code
		}
		fmt.Fprintln(stdErr, err.Error())
		return 2
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tvboard-edge",
		Short:         "Offline-capable video cache edge for TV dashboards",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(stdOut)
	root.SetErr(stdErr)
	root.PersistentFlags().String("config", "", "配置文件路径（默认 ./config.toml，可被 TVBOARD_CONFIG 覆盖）")

	root.AddCommand(
		newServeCmd(),
		newCheckConfigCmd(),
		newVersionCmd(),
		newCacheCmd(),
		newPrefetchCmd(),
	)
	return root
}

// resolveConfigPath 计算最终配置路径：--config > TVBOARD_CONFIG > config.toml。
func resolveConfigPath(cmd *cobra.Command) string {
	if flag, _ := cmd.Flags().GetString("config"); flag != "" {
		return flag
	}
	if env := os.Getenv(configEnvVar); env != "" {
		return env
	}
	return "config.toml"
}

func exitWith(code int) error {
	if code == 0 {
		return nil
	}
	return exitError{code: code}
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "校验配置后退出",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return exitWith(runCheckConfig(resolveConfigPath(cmd)))
		},
	}
}

func runCheckConfig(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("check_config", configPath)
	fields["origins"] = config.OriginSummaries(cfg.Origins)
	fields["static_cache"] = cfg.Worker.StaticCache
	fields["video_cache"] = cfg.Worker.VideoCache
	fields["result"] = "ok"
	logger.WithFields(fields).Info("配置校验通过")
	return 0
}
