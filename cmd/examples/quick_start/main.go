package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/TheAlpha16/pollconn"
)

// serve plays a tiny audio server on the far end of a pipe.
func serve(ctx context.Context, end *pollconn.PipeTransport) {
	var codec pollconn.JSONCodec
	send := func(f pollconn.Frame) {
		data, err := codec.EncodeFrame(f)
		if err == nil {
			end.Send(data)
		}
	}

	for {
		data, err := end.ReadContext(ctx)
		if err != nil {
			return
		}
		req, err := codec.DecodeRequest(data)
		if err != nil {
			log.Printf("server: %v", err)
			return
		}

		switch req.Name {
		case pollconn.RequestHello:
			send(pollconn.Frame{Kind: pollconn.FrameHelloAck})
		case pollconn.RequestSubscribe:
			send(pollconn.Frame{Kind: pollconn.FrameReply, ID: req.ID})
			go func() {
				time.Sleep(100 * time.Millisecond)
				send(pollconn.Frame{Kind: pollconn.FrameEvent, Category: "sink", Payload: []byte("volume changed")})
			}()
		case "get-default-device":
			send(pollconn.Frame{Kind: pollconn.FrameReply, ID: req.ID, Value: []byte("alsa_output.analog-stereo")})
		default:
			send(pollconn.Frame{Kind: pollconn.FrameError, ID: req.ID, Message: "no such request"})
		}
	}
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, server := pollconn.NewPipe()
	go serve(ctx, server)

	conn, err := pollconn.Open(client, pollconn.Proplist{"application.name": "quick-start"})
	if err != nil {
		log.Fatalf("Failed to open connection: %v", err)
	}
	svc := pollconn.NewService(conn)
	defer svc.Shutdown()

	if err := svc.Start(ctx); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	// Blocking call: the loop is driven until the reply arrives
	device, err := svc.Call(ctx, "get-default-device", nil)
	if err != nil {
		log.Fatalf("Failed to query default device: %v", err)
	}
	fmt.Printf("Default device: %s\n", device)

	if _, err := svc.Call(ctx, "reboot", nil); err != nil {
		fmt.Printf("Server refused: %v\n", err)
	}

	changed := make(chan struct{})
	_, err = svc.Subscribe(ctx, []pollconn.Category{"sink"}, func(ctx context.Context, ev pollconn.Event) error {
		fmt.Printf("Event %s: %s\n", ev.Category, ev.Payload)
		close(changed)
		return nil
	})
	if err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}

	// Drive the loop until the first push arrives
	go func() {
		<-changed
		svc.Loop().RequestStop()
	}()
	if err := svc.Run(ctx); err != nil {
		log.Fatalf("Loop failed: %v", err)
	}
	fmt.Println("Quick start example completed!")
}
