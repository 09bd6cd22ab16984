package grpcclient

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/vrclassify/internal/apperror"
	"github.com/example/vrclassify/internal/logging"
	"github.com/example/vrclassify/internal/visualrecognition"
)

// ServiceName is the fully-qualified gRPC service exposing classifiers.
const ServiceName = "visualrecognition.v3.VisualRecognition"

const (
	listClassifiersMethod = "/" + ServiceName + "/ListClassifiers"
	getClassifierMethod   = "/" + ServiceName + "/GetClassifier"
	downloadModelMethod   = "/" + ServiceName + "/DownloadModel"
)

// DialVisualRecognition returns a ready-to-use gRPC client for the classifier
// service. Messages are well-known protobuf types, so no generated stubs are
// needed.
func DialVisualRecognition(ctx context.Context, addr, apiKey string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_visual_recognition", "", err)
		logger.Error("failed to dial visual recognition service", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewClient(conn, apiKey, logger), conn, nil
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface, apiKey string, logger *zap.Logger) *Client {
	return &Client{conn: conn, apiKey: apiKey, logger: logger.Named("visual_recognition_grpc")}
}

// Client implements visualrecognition.Service over gRPC.
type Client struct {
	conn   grpc.ClientConnInterface
	apiKey string
	logger *zap.Logger
}

// ListClassifiers returns the account's classifiers with their classes.
func (c *Client) ListClassifiers(ctx context.Context) ([]visualrecognition.Classifier, error) {
	const op = "grpcclient.list_classifiers"
	req, err := structpb.NewStruct(map[string]interface{}{"verbose": true})
	if err != nil {
		return nil, c.fail(op, "", err)
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(c.authorize(ctx), listClassifiersMethod, req, resp); err != nil {
		return nil, c.fail(op, "", err)
	}

	var payload struct {
		Classifiers []visualrecognition.Classifier `json:"classifiers"`
	}
	if err := decodeStruct(resp, &payload); err != nil {
		return nil, c.fail(op, "", err)
	}
	return payload.Classifiers, nil
}

// GetClassifier returns the descriptor of a single classifier.
func (c *Client) GetClassifier(ctx context.Context, classifierID string) (*visualrecognition.Classifier, error) {
	const op = "grpcclient.get_classifier"
	req, err := structpb.NewStruct(map[string]interface{}{"classifier_id": classifierID})
	if err != nil {
		return nil, c.fail(op, classifierID, err)
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(c.authorize(ctx), getClassifierMethod, req, resp); err != nil {
		return nil, c.fail(op, classifierID, err)
	}

	var classifier visualrecognition.Classifier
	if err := decodeStruct(resp, &classifier); err != nil {
		return nil, c.fail(op, classifierID, err)
	}
	return &classifier, nil
}

// DownloadModel fetches the compiled on-device model for a classifier.
func (c *Client) DownloadModel(ctx context.Context, classifierID string) ([]byte, error) {
	const op = "grpcclient.download_model"
	req, err := structpb.NewStruct(map[string]interface{}{"classifier_id": classifierID})
	if err != nil {
		return nil, c.fail(op, classifierID, err)
	}
	resp := &wrapperspb.BytesValue{}
	if err := c.conn.Invoke(c.authorize(ctx), downloadModelMethod, req, resp); err != nil {
		return nil, c.fail(op, classifierID, err)
	}
	return resp.GetValue(), nil
}

func (c *Client) authorize(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.apiKey)
}

func (c *Client) fail(op, classifierID string, err error) error {
	if code := status.Code(err); code == codes.Unauthenticated || code == codes.PermissionDenied {
		err = apperror.New(apperror.InvalidCredentials, err)
	}
	wrapped := logging.NewOperationError(op, classifierID, err)
	c.logger.Error("visual recognition call failed", zap.Error(wrapped))
	return wrapped
}

func decodeStruct(s *structpb.Struct, dest interface{}) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}
