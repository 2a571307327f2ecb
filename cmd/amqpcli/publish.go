package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/chzyer/readline"
	"github.com/gabriel-vasile/mimetype"

	"github.com/grasevski/amqpcli/config"
	"github.com/grasevski/amqpcli/message"
	"github.com/grasevski/amqpcli/spool"
)

// scannerBuffer is the line-length ceiling when stdin is not a terminal.
const scannerBuffer = 16 * 1024 * 1024

func cmdPublish(ctx context.Context, cfg config.Config, quiet bool, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	exchange := fs.String("exchange", "", "exchange to publish to; empty means the default exchange")
	routingKey := fs.String("routing-key", "", "routing key; the queue name when using the default exchange")
	detectContentType := fs.Bool("detect-content-type", false, "sniff each payload and set the content-type property")
	spoolPath := fs.String("spool", "", "journal unconfirmed publishes to this file and replay leftovers on startup")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("usage: amqpcli publish [flags] < messages")
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
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	// One publish is outstanding at a time, so one slot is enough to hold
	// a return arriving ahead of its confirm.
	returns := ch.NotifyReturn(make(chan message.Return, 1))

	var journal *spool.Spool
	if *spoolPath != "" {
		journal, err = spool.Open(*spoolPath)
		if err != nil {
			return err
		}
		defer journal.Close()
	}

	// publishOne sends a single message with mandatory routing and waits
	// for the broker's verdict before returning.
	publishOne := func(exchange, routingKey string, body []byte, props message.Properties, journalSeq uint64) error {
		dc, err := ch.Publish(exchange, routingKey, true, false, message.Publishing{
			Properties: props,
			Body:       body,
		})
		if err != nil {
			return err
		}
		acked, err := dc.Wait(ctx)
		if err != nil {
			return err
		}
		// The broker confirms returned messages too; the return is the
		// real verdict.
		select {
		case r := <-returns:
			return fmt.Errorf("message returned by broker: %d %s", r.ReplyCode, r.ReplyText)
		default:
		}
		if !acked {
			return fmt.Errorf("broker rejected publish %d", dc.DeliveryTag)
		}
		if journal != nil && journalSeq != 0 {
			if err := journal.Settle(journalSeq); err != nil {
				return fmt.Errorf("failed to settle spool entry %d: %w", journalSeq, err)
			}
		}
		return nil
	}

	if journal != nil {
		leftover, err := journal.Pending()
		if err != nil {
			return err
		}
		if len(leftover) > 0 {
			fmt.Fprintf(os.Stderr, "replaying %d unconfirmed messages from %s\n", len(leftover), *spoolPath)
		}
		for _, e := range leftover {
			if err := publishOne(e.Exchange, e.RoutingKey, e.Body, e.Properties, e.Seq); err != nil {
				return fmt.Errorf("replaying spool entry %d: %w", e.Seq, err)
			}
		}
	}

	publishLine := func(body []byte) error {
		props := message.Properties{ContentType: "text/plain"}
		if *detectContentType {
			props.ContentType = mimetype.Detect(body).String()
		}

		var journalSeq uint64
		if journal != nil {
			seq, err := journal.Append(spool.Entry{
				Exchange:   *exchange,
				RoutingKey: *routingKey,
				Properties: props,
				Body:       body,
			})
			if err != nil {
				return err
			}
			journalSeq = seq
		}
		return publishOne(*exchange, *routingKey, body, props, journalSeq)
	}

	if stdinIsTerminal() {
		return publishInteractive(ctx, publishLine)
	}
	return publishFromReader(ctx, os.Stdin, publishLine)
}

// publishInteractive reads lines through a readline editor with in-memory
// history until EOF or interrupt.
func publishInteractive(ctx context.Context, publishLine func([]byte) error) error {
	rl, err := readline.New("amqpcli> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	for ctx.Err() == nil {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		if err := publishLine([]byte(line)); err != nil {
			return err
		}
	}
	return nil
}

// publishFromReader scans r line by line and publishes every line,
// including empty ones.
func publishFromReader(ctx context.Context, r io.Reader, publishLine func([]byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), scannerBuffer)

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := publishLine(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}
