package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bgble/internal/device"
	"github.com/stretchr/testify/suite"
)

const (
	tickService = "6e3e0001-5c4a-4e3b-9a2f-5b1e0a7c1d00"
	tickRequest = "6e3e0002-5c4a-4e3b-9a2f-5b1e0a7c1d00"
	tickNotify  = "6e3e0003-5c4a-4e3b-9a2f-5b1e0a7c1d00"
)

type fakeAdvertisement struct {
	ble.Advertisement
	addr     ble.Addr
	name     string
	services []ble.UUID
}

func (a *fakeAdvertisement) Addr() ble.Addr      { return a.addr }
func (a *fakeAdvertisement) LocalName() string   { return a.name }
func (a *fakeAdvertisement) Services() []ble.UUID { return a.services }

type fakeClient struct {
	ble.Client
	profile      *ble.Profile
	disconnected chan struct{}

	mu       sync.Mutex
	writes   [][]byte
	handlers map[*ble.Characteristic]ble.NotificationHandler
	cancels  int
}

func newFakeClient() *fakeClient {
	notify := &ble.Characteristic{UUID: ble.MustParse(tickNotify), Property: ble.CharNotify}
	request := &ble.Characteristic{UUID: ble.MustParse(tickRequest), Property: ble.CharWrite}
	return &fakeClient{
		profile: &ble.Profile{Services: []*ble.Service{{
			UUID:            ble.MustParse(tickService),
			Characteristics: []*ble.Characteristic{request, notify},
		}}},
		disconnected: make(chan struct{}),
		handlers:     make(map[*ble.Characteristic]ble.NotificationHandler),
	}
}

func (c *fakeClient) DiscoverProfile(bool) (*ble.Profile, error) { return c.profile, nil }
func (c *fakeClient) Disconnected() <-chan struct{}             { return c.disconnected }

func (c *fakeClient) WriteCharacteristic(_ *ble.Characteristic, v []byte, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), v...))
	return nil
}

func (c *fakeClient) Subscribe(ch *ble.Characteristic, _ bool, h ble.NotificationHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[ch] = h
	return nil
}

func (c *fakeClient) Unsubscribe(ch *ble.Characteristic, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, ch)
	return nil
}

func (c *fakeClient) CancelConnection() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels++
	return nil
}

func (c *fakeClient) notify(data []byte) {
	c.mu.Lock()
	var hs []ble.NotificationHandler
	for _, h := range c.handlers {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

type fakeDevice struct {
	ble.Device
	client  *fakeClient
	adverts []ble.Advertisement
	dialErr error
}

func (d *fakeDevice) Dial(context.Context, ble.Addr) (ble.Client, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.client, nil
}

func (d *fakeDevice) Scan(ctx context.Context, _ bool, h ble.AdvHandler) error {
	for _, a := range d.adverts {
		h(a)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *fakeDevice) Stop() error { return nil }

type CentralTestSuite struct {
	suite.Suite

	original func() (ble.Device, error)
	dev      *fakeDevice
	central  *Central
}

func (s *CentralTestSuite) SetupTest() {
	s.original = DeviceFactory
	s.dev = &fakeDevice{
		client: newFakeClient(),
		adverts: []ble.Advertisement{
			&fakeAdvertisement{addr: ble.NewAddr("aa:bb:cc:dd:ee:ff"), name: "ticker", services: []ble.UUID{ble.MustParse(tickService)}},
			&fakeAdvertisement{addr: ble.NewAddr("11:22:33:44:55:66"), name: "heart", services: []ble.UUID{ble.UUID16(0x180d)}},
		},
	}
	DeviceFactory = func() (ble.Device, error) { return s.dev, nil }

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	s.central = NewCentral(logger)
}

func (s *CentralTestSuite) TearDownTest() {
	_ = s.central.Close()
	DeviceFactory = s.original
}

func (s *CentralTestSuite) scanOne() device.Peripheral {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var found device.Peripheral
	err := s.central.Scan(ctx, []string{tickService}, func(p device.Peripheral) {
		if found == nil {
			found = p
			cancel()
		}
	})
	s.Require().NoError(err, "scan stopped through ctx MUST return nil")
	s.Require().NotNil(found)
	return found
}

func (s *CentralTestSuite) TestScanFiltersByService() {
	// GOAL: Verify only advertisements listing the requested service reach the handler
	//
	// TEST SCENARIO: Two advertisers → scan for tick service → only the tick peripheral reported

	p := s.scanOne()
	s.Assert().Equal("aa:bb:cc:dd:ee:ff", p.ID())
	s.Assert().Equal("ticker", p.Name())
	s.Assert().False(p.IsConnected())
}

func (s *CentralTestSuite) TestConnectDiscoverWriteMonitor() {
	// GOAL: Verify the adapter drives a go-ble client through a full exchange
	//
	// TEST SCENARIO: Connect → discover → Connected lists it → write request → notification arrives on subscription

	p := s.scanOne()
	ctx := context.Background()
	s.Require().NoError(p.Connect(ctx))
	s.Require().NoError(p.DiscoverAll(ctx))

	connected, err := s.central.Connected(ctx, []string{tickService})
	s.Require().NoError(err)
	s.Require().Len(connected, 1, "connected peripheral with the service MUST be listed")

	sub, err := p.Monitor(tickService, tickNotify)
	s.Require().NoError(err)
	s.Require().NoError(p.Write(tickService, tickRequest, []byte{3}))
	s.Assert().Equal([][]byte{{3}}, s.dev.client.writes)

	s.dev.client.notify([]byte{1, 0, 0, 0})
	select {
	case n := <-sub.C():
		s.Assert().NoError(n.Err)
		s.Assert().Equal([]byte{1, 0, 0, 0}, n.Data)
	case <-time.After(time.Second):
		s.Fail("notification MUST be delivered")
	}

	sub.Remove()
	_, open := <-sub.C()
	s.Assert().False(open, "removed subscription MUST close its channel")
}

func (s *CentralTestSuite) TestConnectedOnlyListsOwnLinks() {
	// GOAL: Verify a fresh central reports no connected peripherals until it dials one itself
	//
	// TEST SCENARIO: Radio on, nothing dialed → Connected empty → scan + connect → Connected lists it

	ctx := context.Background()
	s.Require().NoError(s.central.WaitPoweredOn(ctx))

	connected, err := s.central.Connected(ctx, []string{tickService})
	s.Require().NoError(err)
	s.Assert().Empty(connected, "links not opened by this central MUST NOT be reported")

	p := s.scanOne()
	s.Require().NoError(p.Connect(ctx))
	s.Require().NoError(p.DiscoverAll(ctx))

	connected, err = s.central.Connected(ctx, []string{tickService})
	s.Require().NoError(err)
	s.Assert().Len(connected, 1)
}

func (s *CentralTestSuite) TestUnknownCharacteristic() {
	p := s.scanOne()
	s.Require().NoError(p.Connect(context.Background()))
	s.Require().NoError(p.DiscoverAll(context.Background()))

	_, err := p.Monitor(tickService, "2a37")
	var nf *device.NotFoundError
	s.Assert().ErrorAs(err, &nf)

	_, err = p.Monitor(tickService, tickRequest)
	s.Assert().ErrorAs(err, &nf, "write-only characteristic MUST NOT be monitorable")
}

func (s *CentralTestSuite) TestLinkDropTerminatesSubscriptions() {
	// GOAL: Verify a dropped link closes Disconnected and fails open subscriptions
	//
	// TEST SCENARIO: Connect and monitor → client reports disconnect → Disconnected closed → subscription gets ErrNotConnected

	p := s.scanOne()
	s.Require().NoError(p.Connect(context.Background()))
	s.Require().NoError(p.DiscoverAll(context.Background()))
	sub, err := p.Monitor(tickService, tickNotify)
	s.Require().NoError(err)

	close(s.dev.client.disconnected)

	select {
	case <-p.Disconnected():
	case <-time.After(time.Second):
		s.Fail("Disconnected MUST close when the link drops")
	}
	n, ok := <-sub.C()
	s.Require().True(ok)
	s.Assert().ErrorIs(n.Err, device.ErrNotConnected)
	s.Assert().False(p.IsConnected())
	s.Assert().ErrorIs(p.Write(tickService, tickRequest, []byte{1}), device.ErrNotConnected)
}

func (s *CentralTestSuite) TestCancelConnection() {
	p := s.scanOne()
	s.Require().NoError(p.Connect(context.Background()))

	s.Assert().NoError(p.CancelConnection())
	s.Assert().False(p.IsConnected())
	s.Assert().Equal(1, s.dev.client.cancels)
	s.Assert().NoError(p.CancelConnection(), "cancel of a disconnected peripheral MUST be a no-op")
	s.Assert().Equal(1, s.dev.client.cancels)
}

func (s *CentralTestSuite) TestConnectTwiceReusesLink() {
	p := s.scanOne()
	s.Require().NoError(p.Connect(context.Background()))
	s.dev.dialErr = errors.New("must not dial again")
	s.Assert().NoError(p.Connect(context.Background()), "connecting a connected peripheral MUST be a no-op")
	s.Assert().True(p.IsConnected())
}

func (s *CentralTestSuite) TestDialErrorIsNormalized() {
	s.dev.dialErr = errors.New("device not connected")
	p := s.scanOne()
	s.Assert().ErrorIs(p.Connect(context.Background()), device.ErrNotConnected)
}

func (s *CentralTestSuite) TestWaitPoweredOnRetries() {
	// GOAL: Verify WaitPoweredOn keeps polling a powered-off radio until it comes up
	//
	// TEST SCENARIO: Factory fails twice with "bluetooth is turned off" → third call succeeds → no error

	var calls int
	DeviceFactory = func() (ble.Device, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("Bluetooth is turned off")
		}
		return s.dev, nil
	}
	s.central.pollInterval = time.Millisecond

	s.Require().NoError(s.central.WaitPoweredOn(context.Background()))
	s.Assert().Equal(3, calls)
}

func (s *CentralTestSuite) TestWaitPoweredOnHonorsContext() {
	DeviceFactory = func() (ble.Device, error) {
		return nil, errors.New("bluetooth is turned off")
	}
	s.central.pollInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.Assert().ErrorIs(s.central.WaitPoweredOn(ctx), context.DeadlineExceeded)
}

func TestCentralTestSuite(t *testing.T) {
	suite.Run(t, new(CentralTestSuite))
}
