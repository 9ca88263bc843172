// Package rabbitmq publishes outbox events to a RabbitMQ exchange.
package rabbitmq
