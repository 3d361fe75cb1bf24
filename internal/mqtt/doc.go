// Package mqtt is the dashboard's ingestion side: it keeps one
// long-lived broker connection, subscribes to every topic in the
// registry and turns inbound messages into snapshot updates.
//
// The connection uses Eclipse Paho v2's [autopaho] package, which
// retries and reconnects on its own. On every (re-)connect the
// [Subscriber] subscribes to all registry topics (QoS 1 for calendar
// and price feeds, QoS 0 for sensors) and publishes a retained "online"
// on clients/<client-id>/status. The same topic carries a retained
// "offline" last will, so the broker announces an unclean exit for us.
// Optionally a Home Assistant discovery config makes that status show
// up as a connectivity sensor.
//
// Dispatch never fails loudly. Unknown topics, payloads without usable
// fields and decoder panics are counted and logged, and the message is
// dropped.
package mqtt
