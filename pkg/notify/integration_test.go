//go:build integration

package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"

	"farsiland-scraper/pkg/config"
	"farsiland-scraper/pkg/models"
)

type RabbitMQIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container *rabbitmq.RabbitMQContainer
	amqpURL   string
}

func (s *RabbitMQIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	container, err := rabbitmq.Run(s.ctx,
		"rabbitmq:3.13-management-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").
				WithStartupTimeout(60*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	amqpURL, err := container.AmqpURL(s.ctx)
	s.Require().NoError(err)
	s.amqpURL = amqpURL
}

func (s *RabbitMQIntegrationSuite) TearDownSuite() {
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func TestRabbitMQIntegrationSuite(t *testing.T) {
	suite.Run(t, new(RabbitMQIntegrationSuite))
}

func (s *RabbitMQIntegrationSuite) config(name string) config.RabbitMQConfig {
	return config.RabbitMQConfig{
		Enabled:    true,
		URL:        s.amqpURL,
		Exchange:   "farsiland-" + name,
		RoutingKey: "new_content-" + name,
		QueueName:  "farsiland-" + name,
	}
}

func (s *RabbitMQIntegrationSuite) TestConnectAndClose() {
	pub, err := NewRabbitMQ(s.config("connect"), testLogger())
	s.Require().NoError(err)
	s.NoError(pub.Close())
}

func (s *RabbitMQIntegrationSuite) TestPublishBatch() {
	cfg := s.config("publish")
	pub, err := NewRabbitMQ(cfg, testLogger())
	s.Require().NoError(err)
	defer pub.Close()

	batch := NewBatch("run-42", map[models.ContentType][]string{
		models.ContentTypeEpisode: {"https://farsiland.com/episodes/a-1x01/"},
	}, time.Now())
	s.Require().NoError(pub.Notify(s.ctx, batch))

	msg := s.consumeMessage(cfg)
	s.Require().NotNil(msg)
	s.Equal(uint8(amqp.Persistent), msg.DeliveryMode)
	s.Equal("application/json", msg.ContentType)

	var got Batch
	s.Require().NoError(json.Unmarshal(msg.Body, &got))
	s.Equal(batch.ID, got.ID)
	s.Equal("run-42", got.RunID)
	s.Equal([]string{"https://farsiland.com/episodes/a-1x01/"}, got.Content[models.ContentTypeEpisode])
}

func (s *RabbitMQIntegrationSuite) consumeMessage(cfg config.RabbitMQConfig) *amqp.Delivery {
	conn, err := amqp.Dial(s.amqpURL)
	s.Require().NoError(err)
	defer conn.Close()

	ch, err := conn.Channel()
	s.Require().NoError(err)
	defer ch.Close()

	msgs, err := ch.Consume(cfg.QueueName, "", true, false, false, false, nil)
	s.Require().NoError(err)

	select {
	case msg := <-msgs:
		return &msg
	case <-time.After(5 * time.Second):
		s.Fail("Timeout waiting for message")
		return nil
	}
}
