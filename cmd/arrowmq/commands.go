package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/arrowmq/arrowmq.go"
	"github.com/arrowmq/arrowmq.go/pkg/config"
	"github.com/arrowmq/arrowmq.go/pkg/connection"
	"github.com/arrowmq/arrowmq.go/pkg/message"
)

var errUsage = errors.New("usage")

func addressFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "address",
		Aliases:  []string{"a"},
		Usage:    "target address",
		Required: true,
	}
}

func routingFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "routing",
		Usage: "anycast, multicast or empty for the broker default",
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "send a message built from the arguments",
		ArgsUsage: "<body...>",
		Flags: []cli.Flag{
			addressFlag(),
			routingFlag(),
			&cli.IntFlag{Name: "count", Usage: "number of copies to send", Value: 1},
			&cli.BoolFlag{Name: "durable", Usage: "mark messages durable"},
			&cli.StringFlag{Name: "subject", Usage: "message subject"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := parseRoutingType(cmd.String("routing"))
			if err != nil {
				return err
			}
			body := strings.Join(cmd.Args().Slice(), " ")

			return withConnection(ctx, cmd, func(conn *arrowmq.Connection) error {
				cfg := arrowmq.ProducerConfig{Address: cmd.String("address"), RoutingType: rt}
				if cmd.Bool("durable") {
					durable := true
					cfg.Durable = &durable
				}
				p, err := conn.CreateProducer(ctx, cfg)
				if err != nil {
					return err
				}
				defer p.Close()

				for i := range cmd.Int("count") {
					msg := message.New([]byte(body))
					msg.Subject = cmd.String("subject")
					if err := p.Send(ctx, msg); err != nil {
						return fmt.Errorf("send %d: %w", i+1, err)
					}
				}
				return nil
			})
		},
	}
}

func receiveCommand() *cli.Command {
	return &cli.Command{
		Name:  "receive",
		Usage: "print and accept messages",
		Flags: []cli.Flag{
			addressFlag(),
			routingFlag(),
			&cli.StringFlag{Name: "queue", Usage: "consume from this queue of the address"},
			&cli.StringFlag{Name: "selector", Usage: "JMS-style filter expression"},
			&cli.IntFlag{Name: "count", Usage: "stop after this many messages, 0 for no limit"},
			&cli.IntFlag{Name: "credit", Usage: "link credit", Value: arrowmq.DefaultCredit},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := parseRoutingType(cmd.String("routing"))
			if err != nil {
				return err
			}

			return withConnection(ctx, cmd, func(conn *arrowmq.Connection) error {
				c, err := conn.CreateConsumer(ctx, arrowmq.ConsumerConfig{
					Address:          cmd.String("address"),
					RoutingType:      rt,
					Queue:            cmd.String("queue"),
					FilterExpression: cmd.String("selector"),
					Credit:           int32(cmd.Int("credit")),
				})
				if err != nil {
					return err
				}
				defer c.Close()

				limit := cmd.Int("count")
				for n := 0; limit == 0 || n < limit; n++ {
					msg, err := c.Receive(ctx)
					if err != nil {
						if ctx.Err() != nil {
							return nil
						}
						return err
					}
					printMessage(os.Stdout, msg)
					if err := c.Accept(ctx, msg); err != nil && !errors.Is(err, connection.ErrStaleDelivery) {
						return err
					}
				}
				return nil
			})
		},
	}
}

func requestCommand() *cli.Command {
	return &cli.Command{
		Name:      "request",
		Usage:     "send a request and print the reply",
		ArgsUsage: "<body...>",
		Flags: []cli.Flag{
			addressFlag(),
			routingFlag(),
			&cli.DurationFlag{Name: "timeout", Usage: "reply timeout, 0 for none"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := parseRoutingType(cmd.String("routing"))
			if err != nil {
				return err
			}
			body := strings.Join(cmd.Args().Slice(), " ")

			return withConnection(ctx, cmd, func(conn *arrowmq.Connection) error {
				client, err := conn.CreateRequestReplyClient(ctx, arrowmq.RequestReplyClientConfig{
					Timeout: cmd.Duration("timeout"),
				})
				if err != nil {
					return err
				}
				defer client.Close()

				reply, err := client.Send(ctx, cmd.String("address"), rt, message.New([]byte(body)))
				if err != nil {
					return err
				}
				printMessage(os.Stdout, reply)
				return nil
			})
		},
	}
}

// loadConfig merges the config file, if any, with the global flags.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg := config.Default()
	if path := cmd.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	if urls := cmd.StringSlice("url"); len(urls) > 0 {
		cfg.Endpoints = urls
	}
	if level := cmd.String("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("%w: --url or --config is required", errUsage)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func withConnection(ctx context.Context, cmd *cli.Command, f func(*arrowmq.Connection) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := cfg.Logger()
	if err != nil {
		return err
	}

	conn, err := cfg.Connect(ctx,
		arrowmq.WithOnConnectionClosed(func(byPeer bool, err error) {
			log.Warn("connection lost", "closed_by_peer", byPeer, "error", err)
		}),
		arrowmq.WithOnConnectionRecovered(func(ep connection.Endpoint) {
			log.Info("connection recovered", "endpoint", ep)
		}),
		arrowmq.WithOnConnectionRecoveryError(func(err error) {
			log.Error("connection recovery failed", "error", err)
		}),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	return f(conn)
}

func parseRoutingType(s string) (arrowmq.RoutingType, error) {
	switch strings.ToLower(s) {
	case "":
		return arrowmq.RoutingTypeDefault, nil
	case "anycast", "queue":
		return arrowmq.Anycast, nil
	case "multicast", "topic":
		return arrowmq.Multicast, nil
	default:
		return 0, fmt.Errorf("%w: unknown routing type %q", errUsage, s)
	}
}

func printMessage(w io.Writer, msg *message.Message) {
	if msg.MessageID != nil {
		fmt.Fprintf(w, "[%v] ", msg.MessageID)
	}
	if msg.Subject != "" {
		fmt.Fprintf(w, "%s: ", msg.Subject)
	}
	fmt.Fprintf(w, "%s\n", msg.Body)
}
