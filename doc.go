// Package duplex provides symmetric client/server messaging over TCP with
// typed, length-prefixed frames and an admission handshake.
//
// Features:
//   - Message framing: every frame is a MessageHeader (type tag plus 32-bit
//     body size, native byte order) followed by Size body bytes.
//   - Stack codec: Append pushes fixed-size values onto a message body and
//     Extract pops them back in reverse order.
//   - Handshake: the server sends a nonce, the client answers Scramble(nonce);
//     frames flow only after the server accepted the answer.
//   - Reactor: each Client and each server.Server runs all socket completions
//     for its connections on one goroutine. Application goroutines exchange
//     messages with it through Queue.
//
// Basic Client Example:
//
//	type MsgType uint32
//
//	c := duplex.NewClient[MsgType](nil)
//	if err := c.Connect("localhost", 60000); err != nil {
//	    // handle error
//	}
//	defer c.Disconnect()
//
//	msg := duplex.NewMessage(MsgType(1))
//	_ = duplex.Append(&msg, time.Now().UnixNano())
//	c.Send(msg)
//
//	c.Incoming().Wait()
//	in, _ := c.Incoming().PopFront()
//
// Basic Server Example:
//
//	handler := &server.HandlerFuncs[MsgType]{
//	    Message: func(c *duplex.Connection[MsgType], msg duplex.Message[MsgType]) {
//	        c.Send(msg)
//	    },
//	}
//	srv, err := server.NewServer[MsgType](60000, handler, nil)
//	if err != nil {
//	    // handle error
//	}
//	if err := srv.Start(); err != nil {
//	    // handle error
//	}
//	defer srv.Stop()
//	for {
//	    srv.Update(server.Unlimited, true)
//	}
package duplex
