package agreement

// Connected reports whether the enabled agreements of one suffix let a change
// originating at any of replicas reach every other replica, directly or
// through intermediate suppliers. Agreements carry the replica IDs of both
// ends.
func Connected(agreements []*Agreement, replicas []uint16) bool {
	edges := make(map[uint16][]uint16)
	for _, a := range agreements {
		if !a.Enabled {
			continue
		}
		edges[a.ReplicaID] = append(edges[a.ReplicaID], a.RemoteReplicaID)
	}

	for _, from := range replicas {
		seen := map[uint16]bool{from: true}
		queue := []uint16{from}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, next := range edges[cur] {
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}
		for _, to := range replicas {
			if !seen[to] {
				return false
			}
		}
	}
	return true
}
