// Package main go-onebot 命令行程序
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Mrs4s/go-onebot/core"
	_ "github.com/Mrs4s/go-onebot/db/leveldb" // leveldb 事件队列
	_ "github.com/Mrs4s/go-onebot/db/mongodb" // mongodb 事件队列
	_ "github.com/Mrs4s/go-onebot/db/redis"   // redis 事件队列
	"github.com/Mrs4s/go-onebot/global"
	"github.com/Mrs4s/go-onebot/modules/config"
	"github.com/Mrs4s/go-onebot/modules/servers"
	"github.com/Mrs4s/go-onebot/obc"
	_ "github.com/Mrs4s/go-onebot/server" // 注册传输层
)

// Version 当前版本, 构建时注入
var Version = "(devel)"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "gonebot",
		Short:         "OneBot 12 协议运行时",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "配置文件路径")

	root.AddCommand(&cobra.Command{
		Use:   "init [choices]",
		Short: "生成默认配置文件",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			choices := ""
			if len(args) == 1 {
				choices = args[0]
			} else {
				var err error
				if choices, err = readChoices(); err != nil {
					return err
				}
			}
			return config.WriteDefault(configPath, choices)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Run: func(*cobra.Command, []string) {
			fmt.Println("go-onebot", Version)
		},
	})
	return root
}

// readChoices 从标准输入读取需要的通信方式
func readChoices() (string, error) {
	fmt.Print(config.Prompt)
	choices, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "输入不合法")
	}
	return choices, nil
}

func run(ctx context.Context, configPath string) error {
	conf, err := config.Parse(configPath)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Println("未找到配置文件，正在为您生成配置文件中！")
		choices, err := readChoices()
		if err != nil {
			return err
		}
		return config.WriteDefault(configPath, choices)
	}
	if err != nil {
		log.Errorf("加载配置文件失败: %v", err)
		return err
	}
	if err := setupLogger(conf); err != nil {
		return err
	}
	log.Info("当前版本:", Version)

	opt := obc.Options{
		Impl:          conf.Impl,
		Version:       conf.Version,
		Platform:      conf.Self.Platform,
		SelfID:        conf.Self.UserID,
		ActionTimeout: conf.ActionTimeout,
		QueueCapacity: conf.QueueCapacity,
	}
	if !conf.Heartbeat.Disabled {
		opt.Heartbeat = conf.Heartbeat.Interval
	}
	var peer obc.Peer
	switch conf.Role {
	case "app":
		app := &echoApp{}
		app.obc = obc.NewAppOBC(app, opt)
		peer = app.obc
	default:
		impl := &echoImpl{}
		impl.obc = obc.NewImplOBC(impl, opt)
		peer = impl.obc
	}

	env := &servers.Env{Peer: peer, Conf: conf}
	transports, err := servers.Build(env)
	if err != nil {
		log.Errorf("加载连接配置失败: %v", err)
		_ = env.Close()
		return err
	}
	ctx, cancel := global.SetupMainSignalHandler(ctx)
	defer cancel()
	bot := core.New(peer, core.Options{
		ShutdownGrace: conf.ShutdownGrace,
		OnStart: func(context.Context) error {
			log.Infof("OneBot %v 正在启动, 平台: %v, 机器人: %v", conf.Role, conf.Self.Platform, conf.Self.UserID)
			return nil
		},
		OnShutdown: func(context.Context) error {
			return env.Close()
		},
	})
	if err := bot.Run(ctx, transports...); err != nil {
		_ = env.Close()
		log.Errorf("OneBot 异常退出: %v", err)
		return err
	}
	return nil
}

func setupLogger(conf *config.Config) error {
	rotateOptions := []rotatelogs.Option{
		rotatelogs.WithRotationTime(time.Hour * 24),
		rotatelogs.WithMaxAge(time.Hour * 24 * time.Duration(conf.Output.LogAging)),
	}
	if conf.Output.LogForceNew {
		rotateOptions = append(rotateOptions, rotatelogs.ForceNewFile())
	}
	w, err := rotatelogs.New(path.Join("logs", "%Y-%m-%d.log"), rotateOptions...)
	if err != nil {
		return errors.Wrap(err, "rotatelogs init err")
	}

	colorful := conf.Output.LogColorful && term.IsTerminal(int(os.Stdout.Fd()))
	levels := global.GetLogLevel(conf.Output.LogLevel)
	log.AddHook(global.NewLocalHook(w, global.LogFormat{EnableColor: colorful}, global.LogFormat{}, levels...))
	log.SetLevel(levels[len(levels)-1])
	if conf.Output.Debug {
		log.SetLevel(log.DebugLevel)
		log.SetReportCaller(true)
		log.Warnf("已开启Debug模式.")
	}
	return nil
}
