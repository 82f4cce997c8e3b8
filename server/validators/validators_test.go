package validators_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/cloudide/wsrpc/server/validators"
	"github.com/cloudide/wsrpc/shared"
	"github.com/cloudide/wsrpc/shared/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(endpointID, id, method string, params interface{}) *shared.Message {
	msg := shared.NewRequest(shared.NewRequestID(id), method, shared.NewParams(params))
	msg.EndpointID = endpointID
	return msg
}

func notification(endpointID, method string) *shared.Message {
	msg := shared.NewNotification(method, nil)
	msg.EndpointID = endpointID
	return msg
}

func TestMessageSizeValidator(t *testing.T) {
	v := validators.NewMessageSizeValidator(64)

	assert.NoError(t, v.Validate(request("e1", "1", "ping", nil)))
	assert.NoError(t, v.Validate(request("e1", "1", "fs/read", map[string]string{"path": "/a"})))

	big := map[string]string{"path": strings.Repeat("x", 100)}
	assert.ErrorIs(t, v.Validate(request("e1", "1", "fs/read", big)), validators.ErrMessageTooLarge)

	longID := strings.Repeat("i", validators.MaxIDLength)
	assert.ErrorIs(t, v.Validate(request("e1", longID, "ping", nil)), validators.ErrIDTooLong)
	assert.NoError(t, v.Validate(request("e1", longID[1:], "ping", nil)))

	response := shared.NewResultResponse(shared.NewRequestID("9"), shared.NewResult(big))
	assert.ErrorIs(t, v.Validate(response), validators.ErrMessageTooLarge)

	v.SetMaxSize(0)
	assert.NoError(t, v.Validate(request("e1", "1", "fs/read", big)))
}

func TestThrottling_RPS(t *testing.T) {
	v := validators.NewThrottling(3, 0)

	for i := 0; i < 3; i++ {
		require.NoError(t, v.Validate(notification("e1", "editor/changed")), "message %d", i)
	}
	err := v.Validate(notification("e1", "editor/changed"))
	require.Error(t, err)
	var rpcErr *shared.JSONRPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, shared.JSONRPCErrorServerError, rpcErr.Code)
	assert.Equal(t, "RPS throttling limit exceeded", rpcErr.Message)

	assert.NoError(t, v.Validate(notification("e2", "editor/changed")), "limits are per endpoint")

	v.Forget("e1")
	assert.NoError(t, v.Validate(notification("e1", "editor/changed")), "forgotten endpoint starts fresh")
}

func TestThrottling_RPM(t *testing.T) {
	v := validators.NewThrottling(0, 2)
	require.NoError(t, v.Validate(notification("e1", "a")))
	require.NoError(t, v.Validate(notification("e1", "a")))
	assert.Equal(t, validators.ErrRPMExceeded, v.Validate(notification("e1", "a")))
}

func TestThrottling_Disabled(t *testing.T) {
	v := validators.NewThrottling(0, 0)
	for i := 0; i < 100; i++ {
		require.NoError(t, v.Validate(notification("e1", "a")))
	}
}

func TestMethodValidator(t *testing.T) {
	v, err := validators.NewMethodValidator("ping", "fs/.*", "subscribe/file/modification")
	require.NoError(t, err)

	assert.NoError(t, v.Validate(request("e1", "1", "ping", nil)))
	assert.NoError(t, v.Validate(request("e1", "1", "fs/read", nil)))
	assert.NoError(t, v.Validate(notification("e1", "subscribe/file/modification")))

	err = v.Validate(request("e1", "1", "pingpong", nil))
	require.Error(t, err, "patterns are anchored")
	var rpcErr *shared.JSONRPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, shared.JSONRPCErrorMethodNotFound, rpcErr.Code)

	assert.Error(t, v.Validate(request("e1", "1", "workspace/fs/read", nil)))

	response := shared.NewResultResponse(shared.NewRequestID("1"), shared.NewResult(nil))
	assert.NoError(t, v.Validate(response), "responses carry no method")

	require.NoError(t, v.SetAllowed())
	assert.NoError(t, v.Validate(request("e1", "1", "anything", nil)), "empty list allows all")

	_, err = validators.NewMethodValidator("fs/(")
	assert.Error(t, err)
}

func TestCreateDefaultValidators(t *testing.T) {
	cfg := config.NewInternalConfig()
	cfg.MaxMessageSizeValue = 32
	cfg.ThrottlingRPSValue = 1
	cfg.ThrottlingRPMValue = 0
	cfg.AllowedMethodsValue = []string{"ping"}

	list, err := validators.CreateDefaultValidators(cfg)
	require.NoError(t, err)
	require.Len(t, list, 3)

	validate := func(msg *shared.Message) error {
		for _, v := range list {
			if err := v.Validate(msg); err != nil {
				return err
			}
		}
		return nil
	}

	assert.NoError(t, validate(request("e1", "1", "ping", nil)))
	assert.ErrorIs(t, validate(request("e1", "2", "ping", nil)), validators.ErrRPSExceeded)
	assert.Error(t, validate(request("e2", "1", "fs/read", nil)))
	assert.ErrorIs(t, validate(request("e3", "1", "ping", map[string]string{"x": strings.Repeat("y", 64)})), validators.ErrMessageTooLarge)

	cfg.AllowedMethodsValue = []string{"("}
	_, err = validators.CreateDefaultValidators(cfg)
	assert.Error(t, err)
}
