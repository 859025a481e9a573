// Package cache shares the latest SmartIP device state through Redis so
// other processes can read it without talking to the coordinator.
//
// Each device's state message (the same JSON the MQTT bridge publishes on
// its retained state topic) is stored under key_prefix + device id with a
// TTL, so entries for a coordinator that stopped writing expire on their
// own. Removing a device deletes its key.
//
//	c, err := cache.Connect(ctx, cfg.Redis)
//	if errors.Is(err, cache.ErrDisabled) {
//	    // run without the cache
//	}
//	defer c.Close()
package cache
