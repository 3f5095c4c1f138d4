package history

import (
	"context"
	"encoding/json"
	"fmt"

	pubnubgo "github.com/pubnub/go/v7"
	log "github.com/sirupsen/logrus"
)

var _ Recorder = (*PubNubRecorder)(nil)

type PubNubConfig struct {
	PublishKey   string `mapstructure:"publishKey"`
	SubscribeKey string `mapstructure:"subscribeKey"`
	SecretKey    string `mapstructure:"secretKey"`
	UserID       string `mapstructure:"userId"`
	// ChannelPrefix is followed by the service type, e.g. queue-history-deposit.
	ChannelPrefix string `mapstructure:"channelPrefix"`
}

// Publisher is the subset of the PubNub client the recorder needs.
type Publisher interface {
	Publish(ctx context.Context, channel, message string) error
}

// PubNubRecorder publishes every terminal event to a per service type channel
// so dashboards can follow the simulation live.
type PubNubRecorder struct {
	publisher     Publisher
	channelPrefix string
}

func NewPubNubRecorder(cfg *PubNubConfig) (*PubNubRecorder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("[NewPubNubRecorder] cfg: must not be nil")
	}
	if cfg.PublishKey == "" {
		return nil, fmt.Errorf("[NewPubNubRecorder] publish key must be set")
	}

	pnCfg := pubnubgo.NewConfigWithUserId(pubnubgo.UserId(cfg.UserID))
	pnCfg.PublishKey = cfg.PublishKey
	pnCfg.SubscribeKey = cfg.SubscribeKey
	pnCfg.SecretKey = cfg.SecretKey

	return NewPubNubRecorderWithPublisher(&pubnubPublisher{pn: pubnubgo.NewPubNub(pnCfg)}, cfg.ChannelPrefix), nil
}

func NewPubNubRecorderWithPublisher(p Publisher, channelPrefix string) *PubNubRecorder {
	if channelPrefix == "" {
		channelPrefix = "queue-history-"
	}
	return &PubNubRecorder{publisher: p, channelPrefix: channelPrefix}
}

func (r *PubNubRecorder) Channel(serviceType string) string {
	return r.channelPrefix + serviceType
}

func (r *PubNubRecorder) Record(ctx context.Context, rec Record) error {
	messageJSON, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	channel := r.Channel(rec.ServiceType)
	if err := r.publisher.Publish(ctx, channel, string(messageJSON)); err != nil {
		return fmt.Errorf("publish history record to %s: %w", channel, err)
	}
	log.WithFields(log.Fields{"channel": channel, "clientId": rec.ClientID}).Debug("history record published")
	return nil
}

type pubnubPublisher struct {
	pn *pubnubgo.PubNub
}

func (p *pubnubPublisher) Publish(ctx context.Context, channel, message string) error {
	_, _, err := p.pn.PublishWithContext(ctx).Channel(channel).Message(message).Execute()
	return err
}
