package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/grasevski/amqpcli/config"
)

func cmdDeclare(ctx context.Context, cfg config.Config, quiet bool, args []string) error {
	fs := flag.NewFlagSet("declare", flag.ContinueOnError)
	queue := fs.String("queue", "", "queue to declare")
	exchange := fs.String("exchange", "", "exchange to declare")
	kind := fs.String("type", "direct", "exchange type: direct, fanout, topic or headers")
	durable := fs.Bool("durable", false, "declare the exchange/queue durable")
	autoDelete := fs.Bool("auto-delete", false, "declare the exchange/queue auto-deleted")
	bindQueue := fs.String("bind-queue", "", "queue side of a binding")
	bindExchange := fs.String("bind-exchange", "", "exchange side of a binding")
	bindKey := fs.String("bind-key", "", "routing key of the binding")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("usage: amqpcli declare [flags]")
	}

	wantBind := *bindQueue != "" || *bindExchange != ""
	if *exchange == "" && *queue == "" && !wantBind {
		return fmt.Errorf("nothing to declare: pass -exchange, -queue or a -bind-queue/-bind-exchange pair")
	}
	if wantBind && (*bindQueue == "" || *bindExchange == "") {
		return fmt.Errorf("a binding needs both -bind-queue and -bind-exchange")
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

	if *exchange != "" {
		if err := ch.ExchangeDeclare(*exchange, *kind, *durable, *autoDelete, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", *exchange, err)
		}
		fmt.Printf("exchange %s type=%s durable=%v auto-delete=%v\n", *exchange, *kind, *durable, *autoDelete)
	}

	if *queue != "" {
		q, err := ch.QueueDeclare(*queue, *durable, false, *autoDelete, false, nil)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", *queue, err)
		}
		fmt.Printf("queue %s messages=%d consumers=%d\n", q.Name, q.Messages, q.Consumers)
	}

	if wantBind {
		if err := ch.QueueBind(*bindQueue, *bindKey, *bindExchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s to %s: %w", *bindQueue, *bindExchange, err)
		}
		fmt.Printf("bound %s to %s key=%q\n", *bindQueue, *bindExchange, *bindKey)
	}

	return nil
}
