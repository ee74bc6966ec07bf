package sqs

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQS accepts at most 10 message attributes.
const maxMessageAttributes = 10

func toAttributes(headers map[string]string) map[string]types.MessageAttributeValue {
	if len(headers) == 0 {
		return nil
	}
	attrs := make(map[string]types.MessageAttributeValue, len(headers))
	for k, v := range headers {
		if len(attrs) == maxMessageAttributes {
			break
		}
		if v == "" {
			continue
		}
		attrs[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	return attrs
}

func fromAttributes(attrs map[string]types.MessageAttributeValue) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	headers := make(map[string]string, len(attrs))
	for k, v := range attrs {
		if v.StringValue != nil {
			headers[k] = *v.StringValue
		}
	}
	return headers
}
