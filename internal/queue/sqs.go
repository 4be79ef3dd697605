package queue

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// sqsQueue adapts one SQS queue to the Queue interface. Receive long
// polls; Ack deletes the delivery.
type sqsQueue struct {
	client *awssqs.Client
	url    string
	name   string
}

func newSQSQueue(client *awssqs.Client, name, url string) Queue {
	return &sqsQueue{client: client, url: url, name: name}
}

func (q *sqsQueue) Name() string {
	return q.name
}

func (q *sqsQueue) Send(ctx context.Context, body []byte, attributes map[string]string) error {
	input := &awssqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	}
	if len(attributes) > 0 {
		input.MessageAttributes = map[string]types.MessageAttributeValue{}
		for key, value := range attributes {
			input.MessageAttributes[key] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(value),
			}
		}
	}
	_, err := q.client.SendMessage(ctx, input)
	return err
}

func (q *sqsQueue) Receive(ctx context.Context, max int, wait, visibility time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	if max > 10 {
		max = 10
	}

	out, err := q.client.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.url),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       int32(wait / time.Second),
		VisibilityTimeout:     int32(visibility / time.Second),
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, raw := range out.Messages {
		msg := Message{
			ID:            aws.ToString(raw.MessageId),
			Body:          []byte(aws.ToString(raw.Body)),
			ReceiptHandle: aws.ToString(raw.ReceiptHandle),
		}
		if len(raw.MessageAttributes) > 0 {
			msg.Attributes = map[string]string{}
			for key, value := range raw.MessageAttributes {
				msg.Attributes[key] = aws.ToString(value.StringValue)
			}
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (q *sqsQueue) Ack(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receiptHandle),
	})
	return err
}

func (q *sqsQueue) Nack(ctx context.Context, receiptHandle string, delay time.Duration) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &awssqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(delay / time.Second),
	})
	return err
}
