// Package internal 提供節奏遊戲大廳的房間同步引擎。
//
// 玩家在大廳中發現房間、加入後透過 WebSocket 同步選歌、房主、回合與成績。
// 每個房間是一個獨立的狀態機，所有加入、離線與指令都在房間鎖內逐一套用。
//
// # 房間同步
//
// Room 是唯一持有房間狀態的地方：
//   - AddUser：加入或以同一身分重新連線（取代，不重複）
//   - RemoveUser：離開，房主 / 選歌者交給最早加入的剩餘玩家
//   - HandleCommand：驗證權限 → 修改狀態 → 廣播
//
// 權限不符的指令直接丟棄，不回覆客戶端。
//
// # 回合生命週期
//
//	selecting → playing → selecting
//
// 房主把狀態設為 playing 即開始回合；所有 playing 玩家都回報成績，
// 或 5 分鐘逾時，回合結束並重算排行榜。preparing 為保留狀態。
//
// # 廣播
//
// 兩種形狀：
//   - delta 事件：只帶變更的欄位
//   - update 快照：完整狀態，用於新加入、提前完成與回合結束
//
// # 外部協作者
//
// 架構分層：
//   - Handler 層：房間目錄與加入前握手（session token、一次性票券）
//   - Manager 層：房間註冊表
//   - WebSocket 層：連線生命週期、心跳與非阻塞發送
//   - Room 層：同步引擎
//
// 對戰紀錄透過 history.Recorder 非同步提交，寫入失敗不影響房間。
//
// 使用範例
//
//	manager := internal.NewManager(internal.RoomSettings{Recorder: recorder}, logger)
//	hub := internal.NewWebSocketHub(manager, sessions, internal.HubConfig{}, logger)
//	handler := internal.NewHandler(manager, sessions, nil, logger)
//
//	mux := http.NewServeMux()
//	mux.Handle("/", handler.Routes())
//	mux.HandleFunc("GET /ws/rooms/{room_id}", hub.ServeWS)
package internal
