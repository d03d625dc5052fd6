package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// ConnectionManager owns the broker connection. It does not reconnect: a
// lost connection is reported to listeners and every later call fails
// until the owner builds a new manager.
type ConnectionManager struct {
	url            string
	dialCfg        DialConfig
	dialer         Dialer
	connectTimeout time.Duration
	conn           Connection
	mu             sync.RWMutex
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	isConnected    bool
	done           chan struct{}
	watchDone      chan struct{}
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the amqp091-go dialer, e.g. with an in-memory broker.
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = dialer
	}
}

// WithConnectTimeout bounds how long Connect waits for the broker.
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithVhost selects the virtual host.
func WithVhost(vhost string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialCfg.Vhost = vhost
	}
}

// WithHeartbeat sets the heartbeat interval negotiated with the broker.
func WithHeartbeat(heartbeat time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialCfg.Heartbeat = heartbeat
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dialer:         AMQPDialer{},
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	connected, err := cm.connect(ctx)
	if connected {
		cm.notifyConnected()
	}
	return err
}

func (cm *ConnectionManager) connect(ctx context.Context) (bool, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return false, nil
	}

	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	connChan := make(chan Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := cm.dialer.Dial(connCtx, cm.url, cm.dialCfg)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		cm.conn = conn
		cm.isConnected = true
		cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
		cm.watchDone = make(chan struct{})

		cm.logger.Info("connected to RabbitMQ",
			"url", SanitizeURL(cm.url),
			"vhost", cm.dialCfg.Vhost)

		go cm.watch(cm.notifyClose, cm.watchDone)

		return true, nil

	case err := <-errChan:
		return false, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}

	case <-connCtx.Done():
		// a dial that completes after the deadline is closed on arrival
		go func() {
			select {
			case conn := <-connChan:
				conn.Close()
			case <-errChan:
			}
		}()
		return false, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
		}
	}
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (Channel, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	ch, err := cm.conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// ConfirmChannel opens a new channel in publisher-confirm mode
func (cm *ConnectionManager) ConfirmChannel() (Channel, error) {
	ch, err := cm.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, &ChannelError{
			Op:        "enable confirms",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if !cm.isConnected {
		cm.mu.Unlock()
		return nil
	}

	close(cm.done)
	cm.isConnected = false
	conn := cm.conn
	cm.conn = nil
	watchDone := cm.watchDone
	cm.mu.Unlock()

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}
	if watchDone != nil {
		<-watchDone
	}
	return err
}

// watch reports a broker-initiated close to the listeners
func (cm *ConnectionManager) watch(notifyClose chan *amqp.Error, watchDone chan struct{}) {
	defer close(watchDone)

	select {
	case err, ok := <-notifyClose:
		select {
		case <-cm.done:
			return
		default:
		}

		var cause error = ErrConnectionClosed
		if ok && err != nil {
			cause = err
			cm.logger.Error("connection closed", "error", err)
		} else {
			cm.logger.Warn("connection closed")
		}

		cm.mu.Lock()
		cm.isConnected = false
		cm.mu.Unlock()

		cm.notifyDisconnected(cause)

	case <-cm.done:
		cm.logger.Info("connection manager shutting down")
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		listener.OnDisconnected(err)
	}
}
