package engram

// Extraction prompt text, selected by Language. Every prompt demands strict
// JSON; responses that fail to parse are treated as step failures.

const summarizeAssistantPromptEN = `You are a memory extraction system. You will receive a transcript of a dialogue between one user and an assistant.

Summarize the dialogue as a single episodic memory from the user's perspective.

Rules:
- The summary must be self-contained: resolve pronouns and relative dates using the transcript timestamps.
- Score importance in [0,1]: routine small talk near 0, decisions/commitments/personal revelations near 1.
- List the user ids that the episode is primarily about.

Return ONLY a JSON object:
{"summary": "...", "importance": 0.7, "salient_user_ids": ["u1"]}`

const summarizeGroupPromptEN = `You are a memory extraction system. You will receive a transcript of a group chat episode with multiple participants.

Summarize the episode as a single episodic memory covering what happened, who said what, and any outcomes.

Rules:
- The summary must be self-contained: resolve pronouns and relative dates using the transcript timestamps.
- Score importance in [0,1]: routine chatter near 0, decisions/announcements/conflicts near 1.
- List the user ids of participants the episode is primarily about.

Return ONLY a JSON object:
{"summary": "...", "importance": 0.7, "salient_user_ids": ["u1", "u2"]}`

const factsPromptEN = `You are a memory extraction system. Extract atomic event facts from the transcript.

Each fact is a (subject, predicate, object, time) tuple:
- subject is a user id from the transcript
- predicate is a short verb phrase
- object is the target of the predicate
- time is an ABSOLUTE ISO 8601 timestamp; resolve relative phrases ("tomorrow", "last week") against the episode end time given below

Rules:
- Only extract facts clearly stated in the transcript
- One event per entry; no opinions or speculation
- Return [] if no facts are present

Return ONLY a JSON array:
[{"subject": "u1", "predicate": "booked", "object": "flight to Tokyo", "time": "2025-02-03T09:00:00+08:00"}]`

const semanticPromptEN = `You are a memory extraction system. Derive stable long-term statements about the participants from the transcript.

A semantic statement is durable knowledge that outlives this conversation (preferences, roles, relationships, standing facts), not a one-off event.

Rules:
- subject is a user id from the transcript
- confidence in [0,1] reflects how directly the transcript supports the statement
- valid_from is an ABSOLUTE ISO 8601 timestamp (usually the episode end time)
- valid_to is an ABSOLUTE ISO 8601 timestamp only when the statement has a known expiry; omit otherwise
- Return [] if nothing durable is present

Return ONLY a JSON array:
[{"subject": "u1", "statement": "works as a data engineer at Acme", "confidence": 0.9, "valid_from": "2025-02-01T10:30:00Z"}]`

const profilePromptEN = `You are a memory extraction system. Extract profile attribute updates about the participants from the transcript.

An attribute update sets one path in a user's profile, such as "identity.occupation", "preferences.language", "contact.city".

Rules:
- user_id is a user id from the transcript
- attribute_path is a dot-separated lowercase path
- value is a short string
- confidence in [0,1]
- Return [] if nothing profile-worthy is present

Return ONLY a JSON array:
[{"user_id": "u1", "attribute_path": "identity.occupation", "value": "data engineer", "confidence": 0.9}]`

const foresightPromptEN = `You are a memory extraction system. Extract future-dated commitments and intentions from the transcript.

Rules:
- user_id is the committing user's id
- event_time is an ABSOLUTE ISO 8601 timestamp in the future relative to the episode end time given below; resolve relative phrases against it
- content describes the commitment in one sentence
- Skip anything already in the past
- Return [] if no future commitments are present

Return ONLY a JSON array:
[{"user_id": "u1", "event_time": "2025-02-10T14:00:00Z", "content": "dentist appointment"}]`

const summarizeAssistantPromptZH = `你是一个记忆提取系统。你将收到一段用户与助手之间的对话记录。

请从用户的视角将这段对话总结为一条情景记忆。

规则：
- 摘要必须自包含：利用记录中的时间戳消解代词和相对日期。
- importance 取值 [0,1]：日常闲聊接近 0，决定/承诺/个人信息接近 1。
- 列出这段情景主要涉及的用户 id。

只返回一个 JSON 对象：
{"summary": "...", "importance": 0.7, "salient_user_ids": ["u1"]}`

const summarizeGroupPromptZH = `你是一个记忆提取系统。你将收到一段多人群聊的对话记录。

请将这段群聊总结为一条情景记忆，涵盖发生了什么、谁说了什么、有什么结论。

规则：
- 摘要必须自包含：利用记录中的时间戳消解代词和相对日期。
- importance 取值 [0,1]：日常闲聊接近 0，决定/公告/冲突接近 1。
- 列出这段情景主要涉及的用户 id。

只返回一个 JSON 对象：
{"summary": "...", "importance": 0.7, "salient_user_ids": ["u1", "u2"]}`

const factsPromptZH = `你是一个记忆提取系统。请从对话记录中提取原子事件事实。

每条事实是 (subject, predicate, object, time) 四元组：
- subject 是记录中出现的用户 id
- predicate 是简短的动词短语
- object 是动作的对象
- time 必须是绝对的 ISO 8601 时间戳；相对时间（"明天"、"上周"）按下方给出的情景结束时间换算

规则：
- 只提取对话中明确陈述的事实
- 每条只含一个事件；不要观点或推测
- 没有事实时返回 []

只返回一个 JSON 数组：
[{"subject": "u1", "predicate": "预订了", "object": "去东京的机票", "time": "2025-02-03T09:00:00+08:00"}]`

const semanticPromptZH = `你是一个记忆提取系统。请从对话记录中推导关于参与者的稳定长期结论。

语义结论是超越本次对话的持久知识（偏好、职位、关系、长期事实），而不是一次性事件。

规则：
- subject 是记录中出现的用户 id
- confidence 取值 [0,1]，反映记录对结论的支持程度
- valid_from 是绝对的 ISO 8601 时间戳（通常为情景结束时间）
- 仅当结论有明确失效时间时给出 valid_to，否则省略
- 没有持久结论时返回 []

只返回一个 JSON 数组：
[{"subject": "u1", "statement": "在 Acme 担任数据工程师", "confidence": 0.9, "valid_from": "2025-02-01T10:30:00Z"}]`

const profilePromptZH = `你是一个记忆提取系统。请从对话记录中提取参与者的画像属性更新。

每条更新设置用户画像中的一个路径，例如 "identity.occupation"、"preferences.language"、"contact.city"。

规则：
- user_id 是记录中出现的用户 id
- attribute_path 是小写、点分隔的路径
- value 是简短字符串
- confidence 取值 [0,1]
- 没有可更新内容时返回 []

只返回一个 JSON 数组：
[{"user_id": "u1", "attribute_path": "identity.occupation", "value": "数据工程师", "confidence": 0.9}]`

const foresightPromptZH = `你是一个记忆提取系统。请从对话记录中提取面向未来的承诺和意图。

规则：
- user_id 是作出承诺的用户 id
- event_time 必须是绝对的 ISO 8601 时间戳，且晚于下方给出的情景结束时间；相对时间按其换算
- content 用一句话描述该承诺
- 跳过已经过去的事项
- 没有未来承诺时返回 []

只返回一个 JSON 数组：
[{"user_id": "u1", "event_time": "2025-02-10T14:00:00Z", "content": "牙医预约"}]`

const judgePromptEN = `You judge whether retrieved memories suffice to answer a question.

You will receive the question and the retrieved memories. Decide whether they contain enough information for a direct answer. If not, propose up to 3 refined search queries that would surface the missing information. Refined queries must be self-contained keyword-style queries, not instructions.

Return ONLY a JSON object:
{"is_sufficient": false, "reasoning": "...", "refined_queries": ["...", "..."]}`

const judgePromptZH = `你负责判断检索到的记忆是否足以回答问题。

你将收到问题和检索结果。判断它们是否包含直接回答所需的信息。如果不足，请给出最多 3 条能补齐缺失信息的改写检索词。改写检索词必须是自包含的关键词式查询，不是指令。

只返回一个 JSON 对象：
{"is_sufficient": false, "reasoning": "...", "refined_queries": ["...", "..."]}`

// summarizePrompt selects the episodic summary prompt for scene and language.
func summarizePrompt(scene Scene, lang Language) string {
	if lang == LangZH {
		if scene == SceneGroupChat {
			return summarizeGroupPromptZH
		}
		return summarizeAssistantPromptZH
	}
	if scene == SceneGroupChat {
		return summarizeGroupPromptEN
	}
	return summarizeAssistantPromptEN
}

func factsPrompt(lang Language) string {
	if lang == LangZH {
		return factsPromptZH
	}
	return factsPromptEN
}

func semanticPrompt(lang Language) string {
	if lang == LangZH {
		return semanticPromptZH
	}
	return semanticPromptEN
}

func profilePrompt(lang Language) string {
	if lang == LangZH {
		return profilePromptZH
	}
	return profilePromptEN
}

func foresightPrompt(lang Language) string {
	if lang == LangZH {
		return foresightPromptZH
	}
	return foresightPromptEN
}

func judgePrompt(lang Language) string {
	if lang == LangZH {
		return judgePromptZH
	}
	return judgePromptEN
}
