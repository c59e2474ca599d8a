package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"time"

	"gitee.com/czyczk/fabric-ccevent-listener/internal/appinit"
	"gitee.com/czyczk/fabric-ccevent-listener/internal/blockchain/eventmgr"
	"gitee.com/czyczk/fabric-ccevent-listener/internal/blockchain/eventmgr/fabriceventmgr"
	"gitee.com/czyczk/fabric-ccevent-listener/internal/controller"
	"gitee.com/czyczk/fabric-ccevent-listener/internal/db"
	"gitee.com/czyczk/fabric-ccevent-listener/internal/service"
	"gitee.com/czyczk/fabric-ccevent-listener/internal/utils/idutils"
	"gitee.com/czyczk/fabric-ccevent-listener/internal/utils/timingutils"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm"
)

func main() {
	var configPath, sdkConfigPath, logLevel string

	// Functions to be used by the cli helper
	serveFunc := getServeFunc(&configPath, &sdkConfigPath, &logLevel)
	listenFunc := getListenFunc(&configPath, &sdkConfigPath, &logLevel)
	peersFunc := getPeersFunc(&configPath, &sdkConfigPath, &logLevel)

	configFlags := func() []cli.Flag {
		return []cli.Flag{
			&cli.StringFlag{
				Name:        "conf",
				Aliases:     []string{"c"},
				Value:       "server.yaml",
				EnvVars:     []string{"FCL_CONF"},
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "sdkconf",
				Aliases:     []string{"s"},
				Value:       "config-network.yaml",
				EnvVars:     []string{"FCL_SDK_CONF"},
				Destination: &sdkConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Overrides the log level in the server config",
				EnvVars:     []string{"FCL_LOG_LEVEL"},
				Destination: &logLevel,
			},
		}
	}

	app := &cli.App{
		Name:  "fabric-ccevent-listener",
		Usage: "Subscribe to Fabric chaincode events on behalf of workflow nodes",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start as server",
				Flags:  configFlags(),
				Action: serveFunc,
			},
			{
				Name:  "listen",
				Usage: "Subscribe once and print what is delivered as JSON lines",
				Flags: append(configFlags(),
					&cli.StringFlag{Name: "channel", Required: true, Usage: "Channel name"},
					&cli.StringFlag{Name: "chaincode", Required: true, Usage: "Chaincode ID"},
					&cli.StringFlag{Name: "pattern", Usage: "Event name pattern (regular expression)"},
					&cli.StringFlag{Name: "peer", Usage: "Peer to listen on. Empty to let the hub selection policy decide"},
					&cli.StringFlag{Name: "start", Usage: "Start block"},
					&cli.StringFlag{Name: "end", Usage: "End block"},
					&cli.BoolFlag{Name: "timeout", Usage: "Deliver the events as one batch after a period of inactivity"},
				),
				Action: listenFunc,
			},
			{
				Name:   "peers",
				Usage:  "Print the event-source peers of the configured channels",
				Flags:  configFlags(),
				Action: peersFunc,
			},
		},
	}

	// Run the cli helper
	if err := app.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}

// loadServerInfo loads the server config and applies the logging settings in it.
func loadServerInfo(configPath, logLevelOverride string) (*appinit.ServerInfo, error) {
	serverInfo, err := appinit.LoadServerInfo(configPath)
	if err != nil {
		return nil, err
	}

	if logLevelOverride != "" {
		serverInfo.LogLevel = logLevelOverride
	}
	level, err := serverInfo.GetLogLevel()
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)
	timingutils.SetShowTimingLogs(serverInfo.ShowTimingLogs)

	return &serverInfo, nil
}

// newManager creates a subscription manager backed by the Fabric SDK.
func newManager(serverInfo *appinit.ServerInfo, sdkConfigPath string) (*eventmgr.Manager, func(), error) {
	sdk, err := appinit.SetupSDK(sdkConfigPath)
	if err != nil {
		return nil, nil, err
	}

	ccCtx, err := appinit.NewFabricChaincodeCtx(sdk, serverInfo.User, serverInfo.Channels)
	if err != nil {
		sdk.Close()
		return nil, nil, err
	}

	opts, err := serverInfo.GetManagerOptions()
	if err != nil {
		sdk.Close()
		return nil, nil, err
	}

	networkClient := fabriceventmgr.NewFabricNetworkClient(ccCtx)
	manager := eventmgr.NewManager(networkClient, eventmgr.NewOwnerRegistry(), opts...)

	return manager, sdk.Close, nil
}

func getServeFunc(configPath, sdkConfigPath, logLevel *string) func(c *cli.Context) error {
	serveFunc := func(c *cli.Context) error {
		// Load server info from `server.yaml`
		serverInfo, err := loadServerInfo(*configPath, *logLevel)
		if err != nil {
			return err
		}

		manager, closeSDK, err := newManager(serverInfo, *sdkConfigPath)
		if err != nil {
			return err
		}
		defer closeSDK()

		// Open the journal if enabled
		var journalDB *gorm.DB
		if serverInfo.IsJournalEnabled() {
			journalDB, err = db.OpenJournalDB(serverInfo.Journal.DSN)
			if err != nil {
				return err
			}
			log.Infoln("已启用消息记录。")
		}

		// Instantiate a subscription service
		subscriptionSvc := service.NewSubscriptionService(&service.Info{
			Manager: manager,
			DB:      journalDB,
		})
		defer subscriptionSvc.Close()

		// Instantiate controllers
		pingPongController := &controller.PingPongController{GroupName: "/"}
		subscriptionController := &controller.SubscriptionController{
			GroupName:       "/",
			SubscriptionSvc: subscriptionSvc,
		}

		// Register controller handlers
		router := gin.Default()
		router.Use(controller.CORSMiddleware())
		apiv1Group := router.Group("/api/v1")
		if err := controller.RegisterHandlers(apiv1Group, pingPongController); err != nil {
			return err
		}
		if err := controller.RegisterHandlers(apiv1Group, subscriptionController); err != nil {
			return err
		}

		// Start the HTTP server
		httpServer := &http.Server{
			Addr:    fmt.Sprintf(":%v", serverInfo.Port),
			Handler: router,
		}

		chanError := make(chan error)
		go func() {
			log.Infof("HTTP 服务器正在监听端口 %v。", serverInfo.Port)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				chanError <- errors.Wrap(err, "无法启动 HTTP 服务器")
			}
		}()

		// Listen Ctrl+C signals. On receiving a signal stops the app elegantly
		chanQuit := make(chan os.Signal, 1)
		signal.Notify(chanQuit, os.Interrupt)
		select {
		case err := <-chanError:
			return err
		case <-chanQuit:
			log.Infoln("收到 Ctrl+C 信号，正在退出程序...")

			// Close every owner first so that event streams end
			log.Infoln("正在关闭所有订阅...")
			subscriptionSvc.Close()

			// Stop the HTTP server elegantly
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			log.Infoln("正在停止 HTTP 服务器...")
			if err := httpServer.Shutdown(ctx); err != nil {
				return errors.Wrap(err, "无法正常停止 HTTP 服务器")
			}
		}

		return nil
	}

	return serveFunc
}

func getListenFunc(configPath, sdkConfigPath, logLevel *string) func(c *cli.Context) error {
	listenFunc := func(c *cli.Context) error {
		serverInfo, err := loadServerInfo(*configPath, *logLevel)
		if err != nil {
			return err
		}

		req, err := service.DecodeSubscribeRequest(map[string]interface{}{
			"channelName":  c.String("channel"),
			"chaincodeId":  c.String("chaincode"),
			"eventPattern": c.String("pattern"),
			"peerName":     c.String("peer"),
			"startBlock":   c.String("start"),
			"endBlock":     c.String("end"),
			"timeout":      c.Bool("timeout"),
		})
		if err != nil {
			return err
		}

		manager, closeSDK, err := newManager(serverInfo, *sdkConfigPath)
		if err != nil {
			return err
		}
		defer closeSDK()

		ownerID, err := idutils.GenerateSnowflakeId()
		if err != nil {
			return err
		}
		defer manager.Teardown(ownerID)

		encoder := json.NewEncoder(os.Stdout)
		chanDone := make(chan struct{})
		sink := eventmgr.SinkFuncs{
			Event: func(payload *eventmgr.Payload) {
				if err := encoder.Encode(payload); err != nil {
					log.Errorf("无法输出事件: %v", err)
				}
			},
			Batch: func(payloads []*eventmgr.Payload) {
				if err := encoder.Encode(payloads); err != nil {
					log.Errorf("无法输出批量事件: %v", err)
				}
				close(chanDone)
			},
			Error: func(err error) {
				log.Errorln(err)
			},
		}

		sub, err := manager.Subscribe(ownerID, req, sink)
		if err != nil {
			return err
		}
		log.Infof("已订阅链码 '%v' 的事件，订阅 ID: %v，区块范围: %v。按 Ctrl+C 退出。", req.ChaincodeID, sub.ID(), sub.Options())

		chanQuit := make(chan os.Signal, 1)
		signal.Notify(chanQuit, os.Interrupt)
		select {
		case <-chanDone:
		case <-chanQuit:
			log.Infoln("收到 Ctrl+C 信号，正在退出程序...")
		}

		return nil
	}

	return listenFunc
}

func getPeersFunc(configPath, sdkConfigPath, logLevel *string) func(c *cli.Context) error {
	peersFunc := func(c *cli.Context) error {
		serverInfo, err := loadServerInfo(*configPath, *logLevel)
		if err != nil {
			return err
		}

		sdk, err := appinit.SetupSDK(*sdkConfigPath)
		if err != nil {
			return err
		}
		defer sdk.Close()

		networkConfig, err := appinit.LoadFabricNetworkConfig(sdk)
		if err != nil {
			return err
		}

		channelIDs := serverInfo.Channels
		if len(channelIDs) == 0 {
			for channelID := range networkConfig.Channels {
				channelIDs = append(channelIDs, channelID)
			}
			sort.Strings(channelIDs)
		}

		for _, channelID := range channelIDs {
			fmt.Printf("%v:\n", channelID)
			for _, peerName := range networkConfig.ChannelPeers(channelID) {
				mark := ""
				for _, orgPeer := range networkConfig.OrgChannelPeers(channelID, serverInfo.User.OrgName) {
					if orgPeer == peerName {
						mark = fmt.Sprintf(" (%v)", serverInfo.User.OrgName)
						break
					}
				}
				fmt.Printf("  %v %v%v\n", peerName, networkConfig.PeerURL(peerName), mark)
			}
		}

		return nil
	}

	return peersFunc
}
