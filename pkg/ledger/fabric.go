package ledger

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hyperledger/fabric-sdk-go/pkg/core/config"
	"github.com/hyperledger/fabric-sdk-go/pkg/gateway"

	"evapi/pkg/wallet"
)

// discoveryEnv is read by the Fabric gateway SDK when it resolves peers.
const discoveryEnv = "DISCOVERY_AS_LOCALHOST"

var discoveryOnce sync.Once

// FabricDialer connects through the Fabric gateway SDK with service discovery.
// Each Dial builds an in-memory wallet holding only the resolved credential.
type FabricDialer struct {
	Profile Profile
	Timeout time.Duration
}

func NewFabricDialer(p Profile, timeout time.Duration, asLocalhost bool) (*FabricDialer, error) {
	if len(p.Raw) == 0 {
		return nil, errors.New("connection profile required")
	}
	discoveryOnce.Do(func() {
		if os.Getenv(discoveryEnv) == "" {
			_ = os.Setenv(discoveryEnv, strconv.FormatBool(asLocalhost))
		}
	})
	return &FabricDialer{Profile: p, Timeout: timeout}, nil
}

func (d *FabricDialer) Dial(ctx context.Context, id string, cred wallet.Credential) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := gateway.NewInMemoryWallet()
	if err := w.Put(id, gateway.NewX509Identity(cred.MSPID, cred.Certificate, cred.PrivateKey)); err != nil {
		return nil, err
	}
	opts := []gateway.Option{}
	if d.Timeout > 0 {
		opts = append(opts, gateway.WithTimeout(d.Timeout))
	}
	gw, err := gateway.Connect(
		gateway.WithConfig(config.FromRaw(d.Profile.Raw, d.Profile.Format)),
		gateway.WithIdentity(w, id),
		opts...,
	)
	if err != nil {
		return nil, err
	}
	return fabricConnection{gw: gw}, nil
}

type fabricConnection struct {
	gw *gateway.Gateway
}

func (c fabricConnection) Contract(channel, name string) (Contract, error) {
	nw, err := c.gw.GetNetwork(channel)
	if err != nil {
		return nil, err
	}
	return nw.GetContract(name), nil
}

func (c fabricConnection) Close() { c.gw.Close() }
