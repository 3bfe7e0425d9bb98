package main

/*
* CLI to serve and call dispatch endpoints
 */

import (
	"os"

	"github.com/urfave/cli"

	"krypt.co/dispatch/common/version"
)

var configFlag = cli.StringFlag{
	Name:   "config, c",
	Usage:  "Config file (yaml, json or toml)",
	EnvVar: "KR_CONFIG",
}

var regionFlag = cli.StringFlag{
	Name:   "region",
	Usage:  "AWS region for sqs:// endpoints",
	Value:  "us-east-1",
	EnvVar: "AWS_REGION",
}

func main() {
	app := cli.NewApp()
	app.Name = "krpc"
	app.Usage = "serve and call dispatch endpoints"
	app.Version = version.CURRENT_VERSION.String()
	app.Flags = []cli.Flag{configFlag, regionFlag}
	app.Commands = []cli.Command{
		cli.Command{
			Name:  "serve",
			Usage: "Answer requests for the builtin operations",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "listen, l",
					Usage: "Listen address, e.g. tcp://127.0.0.1:4061, unix:///tmp/krpc.sock or sqs://service",
				},
			},
			Action: serveCommand,
		},
		cli.Command{
			Name:      "call",
			Usage:     "Invoke one operation",
			ArgsUsage: "OPERATION [PAYLOAD]",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "endpoint, e",
					Usage: "Endpoint to call, e.g. tcp://127.0.0.1:4061",
				},
				cli.StringFlag{
					Name:  "mode, m",
					Usage: "Invocation mode: normal, oneway or datagram",
					Value: "normal",
				},
				cli.BoolFlag{
					Name:  "async",
					Usage: "Dispatch without blocking and wait for the callback",
				},
				cli.BoolFlag{
					Name:  "idempotent",
					Usage: "Declare the operation idempotent",
				},
			},
			Action: callCommand,
		},
		cli.Command{
			Name:      "batch",
			Usage:     "Batch oneway operations and flush them in one transmission",
			ArgsUsage: "OPERATION[=PAYLOAD]...",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "endpoint, e",
					Usage: "Endpoint to call",
				},
				cli.BoolFlag{
					Name:  "per-proxy",
					Usage: "Keep the batch on the handler instead of the connection",
				},
			},
			Action: batchCommand,
		},
	}
	app.Run(os.Args)
}
