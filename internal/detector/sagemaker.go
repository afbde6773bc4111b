package detector

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"

	"github.com/MeKo-Tech/tilerunner/internal/request"
)

// SageMakerRuntimeAPI is the subset of the SageMaker runtime client the
// detectors need.
type SageMakerRuntimeAPI interface {
	InvokeEndpoint(ctx context.Context, in *sagemakerruntime.InvokeEndpointInput, opts ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error)
	InvokeEndpointAsync(ctx context.Context, in *sagemakerruntime.InvokeEndpointAsyncInput, opts ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointAsyncOutput, error)
}

// NewSageMakerDetector builds a detector that invokes a SageMaker endpoint
// synchronously, honoring the request's target variant.
func NewSageMakerDetector(ep request.Endpoint, client SageMakerRuntimeAPI) *FeatureDetector {
	return &FeatureDetector{
		name: ep.Name,
		invoke: func(ctx context.Context, tile io.Reader) ([]byte, error) {
			body, err := io.ReadAll(tile)
			if err != nil {
				return nil, fmt.Errorf("read tile: %w", err)
			}

			in := &sagemakerruntime.InvokeEndpointInput{
				EndpointName: aws.String(ep.Name),
				ContentType:  aws.String("application/octet-stream"),
				Body:         body,
			}
			if ep.TargetVariant != "" {
				in.TargetVariant = aws.String(ep.TargetVariant)
			}

			out, err := client.InvokeEndpoint(ctx, in)
			if err != nil {
				return nil, fmt.Errorf("invoke %s: %w", ep.Name, err)
			}
			return out.Body, nil
		},
	}
}

// AsyncInvocation is the correlation handle returned by an asynchronous
// endpoint.
type AsyncInvocation struct {
	InferenceID     string
	OutputLocation  string
	FailureLocation string
}

// AsyncInvoker submits object-store inputs to an asynchronous endpoint.
type AsyncInvoker struct {
	client   SageMakerRuntimeAPI
	endpoint request.Endpoint
}

// NewAsyncInvoker builds the submitter for one endpoint.
func NewAsyncInvoker(ep request.Endpoint, client SageMakerRuntimeAPI) *AsyncInvoker {
	return &AsyncInvoker{client: client, endpoint: ep}
}

// Invoke starts an asynchronous inference on the uploaded tile object and
// returns the handles the results worker will correlate on.
func (a *AsyncInvoker) Invoke(ctx context.Context, inputLocation string) (*AsyncInvocation, error) {
	out, err := a.client.InvokeEndpointAsync(ctx, &sagemakerruntime.InvokeEndpointAsyncInput{
		EndpointName:             aws.String(a.endpoint.Name),
		InputLocation:            aws.String(inputLocation),
		ContentType:              aws.String("application/octet-stream"),
		InvocationTimeoutSeconds: aws.Int32(3600),
	})
	if err != nil {
		return nil, fmt.Errorf("invoke async %s: %w", a.endpoint.Name, err)
	}
	return &AsyncInvocation{
		InferenceID:     aws.ToString(out.InferenceId),
		OutputLocation:  aws.ToString(out.OutputLocation),
		FailureLocation: aws.ToString(out.FailureLocation),
	}, nil
}
