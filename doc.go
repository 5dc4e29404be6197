// Package mailqueue stores outbound email and delivers it with at most one
// worker handling a message at a time.
//
// Each message moves queued -> processing -> sent | failed. A worker claims
// a message by writing its lease token into the message row in one atomic
// statement; every later write carries the token, and the lock is cleared by
// the terminal transition or by Release. A lock untouched for longer than
// the staleness window may be taken over, so a crashed worker blocks a
// message for at most one window.
//
// # Basic Usage
//
//	st := memory.New()
//
//	svc, err := mailqueue.New(
//	    mailqueue.WithStore(st),
//	    mailqueue.WithTransport(store.ProviderSMTP, smtpTransport),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	msg := store.NewMessage("Invoice", store.ProviderSMTP,
//	    store.Address{Email: "billing@example.com"}, "example.com")
//	msg.Text = store.String("See attached.")
//	_ = msg.AddRecipient(store.RecipientTo, store.Address{Email: "jane@example.com"})
//	if err := svc.Enqueue(ctx, msg); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Deliver one message, or run a Worker to drain the queue.
//	res, err := svc.Deliver(ctx, msg.ID)
//
// # Storage Backends
//
//   - PostgreSQL (store/postgres) - accepts *sqlx.DB
//   - MongoDB (store/mongo) - accepts *mongo.Client
//   - In-memory (store/memory) - for testing
//
// Attachment bytes live outside the message store (store/attachment/s3,
// store/attachment/gcs, store/attachment/memory, with store/attachment/cached
// as a local disk cache in front of either cloud store).
//
// # Events
//
// Delivery outcomes are published with github.com/rbaliyan/event/v3. Pass
// WithRedisClient or WithEventTransport to route them somewhere:
//
//	svc.Events().MessageFailed.Subscribe(ctx, handler)
//
// Available events:
//   - MessageSent - a message was recorded as sent (sandbox included)
//   - MessageFailed - a message was recorded as failed
//   - LockReclaimed - stale locks were cleared
package mailqueue
