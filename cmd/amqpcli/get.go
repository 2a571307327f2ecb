package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grasevski/amqpcli/config"
)

func cmdGet(ctx context.Context, cfg config.Config, quiet bool, args []string) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	count := fs.Int("count", 1, "maximum number of messages to fetch")
	noAck := fs.Bool("no-ack", false, "fetch in automatic acknowledgement mode")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: amqpcli get QUEUE [flags]")
	}
	queue := fs.Arg(0)
	if *count < 1 {
		return fmt.Errorf("-count must be at least 1")
	}

	conn, err := dial(ctx, cfg, quiet)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	for i := 0; i < *count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		d, ok, err := ch.Get(queue, *noAck)
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		out.Write(d.Body)
		out.WriteByte('\n')

		if !*noAck {
			if err := out.Flush(); err != nil {
				return err
			}
			if err := d.Ack(false); err != nil {
				return fmt.Errorf("failed to ack message %d: %w", d.DeliveryTag, err)
			}
		}
	}
	return nil
}
