// Package socket implements listening-socket handoff between the pool and
// its REACTOR workers.
//
// Workers never bind server sockets themselves. The [Broker], running in the
// pool process, binds each address once and hands references to workers on
// request:
//
//  1. the worker sends InitiateSocketTransfer{workerId, groupId, address};
//  2. the broker records a single-use transfer keyed by a fresh id and
//     answers SocketTransferInfo{key, uri};
//  3. the worker calls [Receive] with the key and uri to obtain a
//     net.Listener through the platform [Transport].
//
// Two transports exist. The fdpass transport sends the listening descriptor
// itself over a unix domain socket (SCM_RIGHTS), so the worker accepts on a
// kernel-level duplicate of the broker's socket. The relay transport, used
// where descriptor passing is unavailable, exposes a loopback rendezvous
// endpoint; each Accept on the worker side is paired with a client accepted
// by the broker and the bytes are relayed between the two connections.
//
// Listeners are reference counted per address and closed when the last
// holder frees them with a SocketFree message.
package socket
