package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a simple fake implementing ssmAPI for tests.
type fakeAPI struct {
	getOut *ssm.GetParameterOutput
	getErr error
	lastIn *ssm.GetParameterInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastIn = in
	return f.getOut, f.getErr
}

func strPtr(s string) *string { return &s }

func TestLookup_HappyPath(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("/debounce/inactivity_threshold_seconds"), Value: strPtr("45"),
	}}}
	client, err := New(api)
	require.NoError(t, err)

	v, ok, err := client.Lookup(context.Background(), " /debounce/inactivity_threshold_seconds ")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "45", v)
	require.Equal(t, "/debounce/inactivity_threshold_seconds", *api.lastIn.Name)
	require.True(t, *api.lastIn.WithDecryption)
}

func TestLookup_NotFound(t *testing.T) {
	api := &fakeAPI{getErr: &types.ParameterNotFound{Message: strPtr("nope")}}
	client, err := New(api)
	require.NoError(t, err)

	v, ok, err := client.Lookup(context.Background(), "p")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, v)

	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "not found")
}

func TestLookup_Failures(t *testing.T) {
	cases := []struct {
		name    string
		client  *Client
		param   string
		wantErr string
	}{
		{
			name:    "missing value",
			client:  &Client{api: &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p")}}}},
			param:   "p",
			wantErr: "missing value",
		},
		{
			name:    "throttled",
			client:  &Client{api: &fakeAPI{getErr: errors.New("ThrottlingException")}},
			param:   "p",
			wantErr: "ThrottlingException",
		},
		{name: "zero client", client: &Client{}, param: "p", wantErr: "not initialized"},
		{name: "blank name", client: &Client{api: &fakeAPI{}}, param: "  ", wantErr: "name is required"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok, err := tc.client.Lookup(context.Background(), tc.param)
			require.ErrorContains(t, err, tc.wantErr)
			require.False(t, ok)

			_, err = tc.client.GetParameter(context.Background(), tc.param)
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.ErrorContains(t, err, "must not be nil")
}
