package grpc

import (
	"context"
	"fmt"
	"sync"

	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"conversation-realtime/internal/identity"
)

const validateTokenMethod = "/auth.AuthService/ValidateToken"

// AuthClient wraps the auth-service gRPC API.
type AuthClient struct {
	conn grpclib.ClientConnInterface
}

// NewAuthClient constructs the wrapper.
func NewAuthClient(conn grpclib.ClientConnInterface) *AuthClient {
	return &AuthClient{conn: conn}
}

// Authenticate verifies the token and returns the authenticated user.
func (a *AuthClient) Authenticate(ctx context.Context, token string) (identity.Identity, error) {
	desc, err := authDescriptors()
	if err != nil {
		return identity.Identity{}, err
	}

	req := dynamicpb.NewMessage(desc.request)
	req.Set(desc.request.Fields().ByName("token"), protoreflect.ValueOfString(token))
	resp := dynamicpb.NewMessage(desc.response)

	if err := a.conn.Invoke(ctx, validateTokenMethod, req, resp); err != nil {
		if status.Code(err) == codes.Unauthenticated {
			return identity.Identity{}, fmt.Errorf("%w: %v", identity.ErrInvalidToken, err)
		}
		return identity.Identity{}, err
	}

	fields := desc.response.Fields()
	valid := resp.Get(fields.ByName("valid")).Bool()
	userID := resp.Get(fields.ByName("user_id")).Int()
	if !valid || userID == 0 {
		return identity.Identity{}, identity.ErrInvalidToken
	}
	role := identity.Role(resp.Get(fields.ByName("role")).String())
	if role == "" {
		role = identity.RoleClient
	}
	return identity.Identity{UserID: fmt.Sprint(userID), Role: role}, nil
}

type authMessages struct {
	request  protoreflect.MessageDescriptor
	response protoreflect.MessageDescriptor
}

var (
	authDescOnce sync.Once
	authDesc     authMessages
	authDescErr  error
)

// authDescriptors builds the auth.proto message shapes at runtime so the
// client does not depend on generated stubs.
func authDescriptors() (authMessages, error) {
	authDescOnce.Do(func() {
		field := func(name string, num int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
			return &descriptorpb.FieldDescriptorProto{
				Name:     proto.String(name),
				JsonName: proto.String(name),
				Number:   proto.Int32(num),
				Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
				Type:     typ.Enum(),
			}
		}
		file := &descriptorpb.FileDescriptorProto{
			Name:    proto.String("auth/auth.proto"),
			Package: proto.String("auth"),
			Syntax:  proto.String("proto3"),
			MessageType: []*descriptorpb.DescriptorProto{
				{
					Name:  proto.String("ValidateTokenRequest"),
					Field: []*descriptorpb.FieldDescriptorProto{field("token", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING)},
				},
				{
					Name: proto.String("ValidateTokenResponse"),
					Field: []*descriptorpb.FieldDescriptorProto{
						field("valid", 1, descriptorpb.FieldDescriptorProto_TYPE_BOOL),
						field("user_id", 2, descriptorpb.FieldDescriptorProto_TYPE_INT64),
						field("role", 3, descriptorpb.FieldDescriptorProto_TYPE_STRING),
					},
				},
			},
		}
		fd, err := protodesc.NewFile(file, nil)
		if err != nil {
			authDescErr = fmt.Errorf("build auth descriptors: %w", err)
			return
		}
		authDesc = authMessages{
			request:  fd.Messages().ByName("ValidateTokenRequest"),
			response: fd.Messages().ByName("ValidateTokenResponse"),
		}
	})
	return authDesc, authDescErr
}
