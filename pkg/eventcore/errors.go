package eventcore

import "errors"

// ErrBusDisposed is returned by Publish on a bus that has been disposed and
// not re-initialized.
var ErrBusDisposed = errors.New("event bus disposed")

// ErrHandlerBusy is returned by Redeliver when the target is a once
// subscription currently handling another event.
var ErrHandlerBusy = errors.New("handler busy")
