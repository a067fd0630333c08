// Copyright 2026 The driverbroker Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/alwitt/driverbroker/client"
	"github.com/alwitt/driverbroker/cmd"
	"github.com/alwitt/driverbroker/common"
	"github.com/alwitt/driverbroker/core"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
}

type operatorArgs struct {
	BrokerURL string `validate:"required,url"`
	Timeout   time.Duration
}

var cmdArgs cliArgs

var opArgs operatorArgs

var logTags log.Fields

// @title driverbroker
// @version v0.1.0
// @description Broker between device drivers and the callers dispatching operations to them

// @host localhost:3000
// @BasePath /
// @query.collection.format multi
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	operatorFlags := []cli.Flag{
		&cli.StringFlag{
			Name:        "broker-url",
			Usage:       "Base URL of the driver broker",
			Aliases:     []string{"u"},
			EnvVars:     []string{"BROKER_URL"},
			Value:       "http://127.0.0.1:3000",
			DefaultText: "http://127.0.0.1:3000",
			Destination: &opArgs.BrokerURL,
			Required:    false,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Usage:       "Request timeout",
			Aliases:     []string{"t"},
			EnvVars:     []string{"BROKER_REQUEST_TIMEOUT"},
			Value:       time.Second * 10,
			DefaultText: "10s",
			Destination: &opArgs.Timeout,
			Required:    false,
		},
	}

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Broker between device drivers and the callers dispatching operations to them",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
		},
		// Components
		Commands: []*cli.Command{
			{
				Name:        "server",
				Usage:       "Run the driver broker",
				Description: "Serves the driver broker REST API, and optionally bridges it onto NATS",
				Action:      startBrokerServer,
			},
			{
				Name:   "list",
				Usage:  "List registered drivers",
				Flags:  operatorFlags,
				Action: listDrivers,
			},
			{
				Name:      "info",
				Usage:     "Describe one driver",
				ArgsUsage: "<identity>",
				Flags:     operatorFlags,
				Action:    describeDriver,
			},
			{
				Name:      "dispatch",
				Usage:     "Dispatch an operation to a driver",
				ArgsUsage: "<identity> <operation>",
				Flags:     operatorFlags,
				Action:    dispatchOperation,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

func initialCmdArgsProcessing() (*common.SystemConfig, error) {
	validate, err := common.GetValidator()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define validator")
		return nil, err
	}
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

func prepareNatsClient(
	config common.NATSConfig, ctxtCancel context.CancelFunc,
) (*core.NatsClient, error) {
	natsParam := core.NATSConnectParams{
		ServerURI:           config.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(config.ConnectTimeout),
		MaxReconnectAttempt: config.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(config.Reconnect.WaitInterval),
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			log.WithError(e).WithFields(logTags).Errorf(
				"NATS client disconnected from server %s", config.ServerURI,
			)
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Warnf(
				"NATS client reconnected with server %s", config.ServerURI,
			)
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Error("NATS client closed connection")
			ctxtCancel()
		},
	}
	return core.GetNatsClient(natsParam)
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

func signalRecvSetup(runTimeContext context.Context, wg *sync.WaitGroup, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		defer signal.Stop(cc)
		select {
		case <-cc:
			ctxtCancel()
		case <-runTimeContext.Done():
		}
	}()
}

// ======================================================================================
// Broker server

func startBrokerServer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	var natsClient *core.NatsClient
	if config.NATS.Enabled {
		natsClient, err = prepareNatsClient(config.NATS, rtCancel)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.NATS.ServerURI,
			)
			return err
		}
		defer func() {
			ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			natsClient.Close(ctxt)
		}()
	}

	signalRecvSetup(runTimeContext, wg, rtCancel)

	return cmd.RunBrokerServer(runTimeContext, config, cmdArgs.Hostname, natsClient, wg)
}

// ======================================================================================
// Operator tools

func prepareOperatorClient() (*client.Client, context.Context, context.CancelFunc, error) {
	if _, err := initialCmdArgsProcessing(); err != nil {
		return nil, nil, nil, err
	}
	validate := validator.New()
	if err := validate.Struct(&opArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid operator args")
		return nil, nil, nil, err
	}
	brokerClient, err := client.GetClient(opArgs.BrokerURL, nil)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker client")
		return nil, nil, nil, err
	}
	ctxt, cancel := context.WithTimeout(context.Background(), opArgs.Timeout)
	return brokerClient, ctxt, cancel, nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func listDrivers(c *cli.Context) error {
	brokerClient, ctxt, cancel, err := prepareOperatorClient()
	if err != nil {
		return err
	}
	defer cancel()
	drivers, err := brokerClient.List(ctxt)
	if err != nil {
		return err
	}
	return printJSON(drivers)
}

func describeDriver(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expecting exactly one driver identity")
	}
	brokerClient, ctxt, cancel, err := prepareOperatorClient()
	if err != nil {
		return err
	}
	defer cancel()
	info, err := brokerClient.Info(ctxt, c.Args().Get(0))
	if err != nil {
		return err
	}
	return printJSON(info)
}

func dispatchOperation(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("expecting a driver identity and an operation")
	}
	brokerClient, ctxt, cancel, err := prepareOperatorClient()
	if err != nil {
		return err
	}
	defer cancel()
	receipt, err := brokerClient.Dispatch(ctxt, c.Args().Get(0), c.Args().Get(1))
	if err != nil {
		return err
	}
	return printJSON(receipt)
}
