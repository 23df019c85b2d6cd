package conversation

// Round 对话轮次：一个非摘要 user 消息起始，延续到下一个非摘要 user 消息之前。
// 摘要消息自成一轮并标记 IsSummary，永远不会被再次压缩。
type Round struct {
	Messages  []Message
	IsSummary bool
	IsUserTurn bool
}

// GroupRounds 将消息切分为连续轮次。
// 已有轮次打开时遇到非摘要 user 消息即切新轮；首个 user 之前的
// 零散消息并入第一轮。
func GroupRounds(msgs []Message) []Round {
	var rounds []Round
	var cur *Round

	flush := func() {
		if cur != nil && len(cur.Messages) > 0 {
			rounds = append(rounds, *cur)
		}
		cur = nil
	}

	for _, m := range msgs {
		if m.IsSummary() {
			flush()
			rounds = append(rounds, Round{Messages: []Message{m}, IsSummary: true})
			continue
		}
		if m.Role == RoleUser && cur != nil {
			flush()
		}
		if cur == nil {
			cur = &Round{IsUserTurn: m.Role == RoleUser}
		}
		cur.Messages = append(cur.Messages, m)
	}
	flush()

	return rounds
}

// countRounds 统计轮次数：每个非摘要 user 消息开启一轮
func countRounds(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == RoleUser && !m.IsSummary() {
			n++
		}
	}
	return n
}
