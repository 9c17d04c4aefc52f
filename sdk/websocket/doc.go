// Package websocket is the duplex streaming extension of the native
// transport. A Conn is created from the request handle of a successful
// upgrade and moves through Idle, Upgrading, Open, Closing and Closed.
//
// One send and one receive may be in flight at the same time; concurrent
// senders (or receivers) are serialized. Every blocking call goes through
// the bridge and honors its context.
//
//	conn, err := websocket.Dial(ctx, pipeline, "wss://example.com/stream", nil)
//	if err != nil {
//		return err
//	}
//	defer conn.CloseNow()
//	if err := conn.Send(ctx, websocket.FrameText, []byte("hello")); err != nil {
//		return err
//	}
//	frame, err := conn.Receive(ctx)
package websocket
