package feed

import "context"

// Watch subscribes to topic, then calls refresh once and again after every
// change, until ctx ends or refresh fails. The subscription is taken before
// the first refresh so no change between the initial read and the
// subscription is lost. Bursts of changes collapse into one refresh.
func Watch(ctx context.Context, f Feed, topic string, refresh func(context.Context) error) error {
	sub, err := f.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	defer sub.Close()

	if err := refresh(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-sub.C():
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrClosed
			}
			drain(sub.C())
			if err := refresh(ctx); err != nil {
				return err
			}
		}
	}
}

func drain(ch <-chan Change) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
