package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	amqpError "github.com/grasevski/amqpcli/amqperror"
	"github.com/grasevski/amqpcli/config"
	"github.com/grasevski/amqpcli/message"
)

const (
	// ackBatch is how many deliveries are settled by one multiple-ack.
	ackBatch = 256
	// prefetch keeps the broker two batches ahead of the acknowledgements.
	prefetch = 2 * ackBatch
	// ackFlushIdle bounds how long a trailing partial batch stays unacked
	// once the stream goes quiet.
	ackFlushIdle = time.Second
)

func cmdConsume(ctx context.Context, cfg config.Config, quiet bool, args []string) error {
	fs := flag.NewFlagSet("consume", flag.ContinueOnError)
	tag := fs.String("consumer-tag", "", "consumer tag; generated when empty")
	newlineErrorAck := fs.Bool("newline-error-ack", false, "acknowledge bodies containing a newline instead of rejecting them")
	parseErrorAck := fs.Bool("parse-error-ack", false, "acknowledge bodies that are not valid UTF-8 instead of rejecting them")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: amqpcli consume QUEUE [flags]")
	}
	queue := fs.Arg(0)

	conn, err := dial(ctx, cfg, quiet)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	closed := ch.NotifyClose(make(chan *amqpError.Error, 1))
	cancelled := ch.NotifyCancel(make(chan string, 1))

	deliveries, err := ch.Consume(queue, *tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	// pending counts deliveries folded into the current batch; lastTag is
	// the newest of them. One multiple-ack settles them all.
	var pending int
	var lastTag uint64

	flush := func() error {
		if pending == 0 {
			return nil
		}
		if err := out.Flush(); err != nil {
			return err
		}
		if err := ch.Ack(lastTag, true); err != nil {
			return fmt.Errorf("failed to ack batch up to %d: %w", lastTag, err)
		}
		pending = 0
		return nil
	}

	// handle prints one delivery and folds it into the ack batch. Bodies
	// that cannot be printed as a line are rejected unless the matching
	// flag downgrades the error to an acknowledgement.
	handle := func(d message.Delivery) error {
		printable := true
		if !utf8.Valid(d.Body) {
			fmt.Fprintf(os.Stderr, "message %d: body is not valid UTF-8\n", d.DeliveryTag)
			if !*parseErrorAck {
				return d.Reject(false)
			}
			printable = false
		} else if bytes.ContainsRune(d.Body, '\n') {
			fmt.Fprintf(os.Stderr, "message %d: body contains a newline\n", d.DeliveryTag)
			if !*newlineErrorAck {
				return d.Reject(false)
			}
			printable = false
		}

		if printable {
			out.Write(d.Body)
			out.WriteByte('\n')
		}
		pending++
		lastTag = d.DeliveryTag
		if pending >= ackBatch {
			return flush()
		}
		return nil
	}

	idle := time.NewTimer(ackFlushIdle)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return flush()

		case consumerTag := <-cancelled:
			fmt.Fprintf(os.Stderr, "consumer %s cancelled by broker\n", consumerTag)
			return flush()

		case <-idle.C:
			if err := flush(); err != nil {
				return err
			}
			idle.Reset(ackFlushIdle)

		case d, ok := <-deliveries:
			if !ok {
				flushErr := flush()
				select {
				case reason, ok := <-closed:
					if ok && reason != nil {
						return reason
					}
				default:
				}
				return flushErr
			}

			if err := handle(d); err != nil {
				return err
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(ackFlushIdle)
		}
	}
}
