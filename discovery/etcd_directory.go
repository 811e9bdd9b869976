// etcd-backed Directory.
//
// Layout:
//
//	Key:   /sync-rpc/{name}/{addr}
//	Value: JSON-encoded Endpoint
//
// Announcements ride on TTL leases: if the host crashes, the lease expires
// and the entry disappears on its own, so clients never dial a ghost host.
package discovery

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/sync-rpc/"

// EtcdDirectory implements Directory on etcd v3.
type EtcdDirectory struct {
	client *clientv3.Client // thread-safe, shared across goroutines
}

// NewEtcdDirectory connects to the given etcd endpoints.
func NewEtcdDirectory(endpoints []string) (*EtcdDirectory, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdDirectory{client: c}, nil
}

// Announce publishes ep under name with a TTL lease and keeps renewing it in
// the background. The lease id stays a local variable: a single directory
// instance may serve several announcements concurrently.
func (d *EtcdDirectory) Announce(name string, ep Endpoint, ttl int64) error {
	ctx := context.TODO()

	lease, err := d.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	_, err = d.client.Put(ctx, keyPrefix+name+"/"+ep.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := d.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain the renewal responses so the channel never fills up.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Withdraw removes the announcement; part of the host's graceful shutdown,
// before the listener closes.
func (d *EtcdDirectory) Withdraw(name string, addr string) error {
	_, err := d.client.Delete(context.TODO(), keyPrefix+name+"/"+addr)
	return err
}

// Discover returns every endpoint announced under name.
func (d *EtcdDirectory) Discover(name string) ([]Endpoint, error) {
	resp, err := d.client.Get(context.TODO(), keyPrefix+name+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			continue // skip malformed entries
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Watch re-fetches the endpoint list on every change under the name's prefix
// (server-push via etcd watch, cheaper than polling).
func (d *EtcdDirectory) Watch(name string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	go func() {
		watchChan := d.client.Watch(context.TODO(), keyPrefix+name+"/", clientv3.WithPrefix())
		for range watchChan {
			endpoints, _ := d.Discover(name)
			ch <- endpoints
		}
	}()

	return ch
}
